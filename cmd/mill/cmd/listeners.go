package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	listenerapp "github.com/ahrav/audit-mill/internal/app/listener"
	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/infra/queue/kafka"
	"github.com/ahrav/audit-mill/internal/infra/queue/memory"
)

var listenersCmd = &cobra.Command{
	Use:   "listeners",
	Short: "Run the per-tenant storage change listeners",
	Long: `listeners keeps listener.containers_per_subdomain consumers running
for every subdomain of every active account, reconciling against the
account source every listener.reconciliation_period. Each consumed
storage change becomes a duplication task on the task queue.`,
	RunE: runListeners,
}

func runListeners(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := bootstrap("listeners")
	if err != nil {
		return err
	}
	defer e.close()
	log, cfg := e.log, e.cfg

	pool, err := e.openPool(ctx)
	if err != nil {
		log.Error(ctx, "failed to open database", "error", err)
		return err
	}

	kc, err := e.connectKafka(ctx)
	if err != nil {
		log.Error(ctx, "failed to connect to kafka", "error", err)
		return err
	}
	sink, err := e.taskSink(kc)
	if err != nil {
		return err
	}
	handler := listenerapp.NewDuplicationHandler(sink)

	hosts := cfg.Listener.Hosts
	var factory listener.ConsumerFactory
	if kc != nil {
		factory = kafka.NewConsumerFactory(kafka.ConsumerConfig{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.ChangeTopicPrefix,
			GroupPrefix: cfg.Kafka.ConsumerGroupPrefix,
			ClientID:    cfg.Kafka.ClientID,
		}, handler, nil, log, e.tracer)
		if len(hosts) == 0 {
			hosts = []string{strings.Join(cfg.Kafka.Brokers, ",")}
		}
	} else {
		factory = memory.NewBroker(handler)
		if len(hosts) == 0 {
			hosts = []string{"local"}
		}
	}

	overrides, err := cfg.Listener.Overrides()
	if err != nil {
		return err
	}
	resolver, err := listenerapp.NewHostResolver(hosts, overrides)
	if err != nil {
		return err
	}

	metrics, err := listenerapp.NewListenerMetrics(e.meter)
	if err != nil {
		log.Error(ctx, "failed to create listener metrics", "error", err)
		return err
	}

	registry := listenerapp.NewRegistry(factory, resolver, e.notifier(kc), metrics, e.tracer, log)
	mgr := listenerapp.NewManager(listenerapp.ManagerConfig{
		ContainersPerSubdomain: cfg.Listener.ContainersPerSubdomain,
		ReconciliationPeriod:   cfg.Listener.ReconciliationPeriod,
	}, registry, e.accountSource(pool), metrics, e.tracer, log)
	e.shutdown.Register("listener manager", mgr.Destroy)

	if err := mgr.Init(ctx); err != nil {
		log.Error(ctx, "failed to initialize listeners", "error", err)
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := e.serveHealth(gctx, g); err != nil {
		return err
	}
	e.readiness.SetReady(true)
	log.Info(ctx, "Listener manager started",
		"containers_per_subdomain", cfg.Listener.ContainersPerSubdomain,
		"reconciliation_period", cfg.Listener.ReconciliationPeriod,
	)

	if err := g.Wait(); err != nil {
		log.Error(ctx, "Listener manager stopped", "error", err)
		return err
	}
	log.Info(ctx, "Listener manager stopped")
	return nil
}
