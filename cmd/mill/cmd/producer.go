package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/audit-mill/internal/app/bitintegrity"
	"github.com/ahrav/audit-mill/internal/app/cluster"
	producerapp "github.com/ahrav/audit-mill/internal/app/producer"
	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/infra/storage/postgres"
	"github.com/ahrav/audit-mill/internal/infra/storage/statefile"
)

var runOnce bool

var producerCmd = &cobra.Command{
	Use:   "producer",
	Short: "Run the looping bit-integrity task producer",
	Long: `producer plans one bit-integrity morsel per tenant space every
producer.frequency, then drains the morsels onto the task queue without
letting the queue grow past producer.max_queue_size. Progress is
checkpointed after every morsel so a restart resumes where it stopped.`,
	RunE: runProducer,
}

func init() {
	producerCmd.Flags().BoolVar(&runOnce, "once", false, "drain the current (or a new) pass once and exit")
}

func runProducer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := bootstrap("producer")
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
	if pool == nil {
		return errors.New("the producer reads the content index and requires database.dsn")
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

	var store producer.StateStore = statefile.New(cfg.State.Path, e.tracer)
	if cfg.State.Backend == "postgres" {
		store = postgres.NewRunStateStore(pool, cfg.Producer.Name, e.tracer)
	}

	filter, err := bitintegrity.LoadPathFilter(cfg.Producer.InclusionList, cfg.Producer.ExclusionList)
	if err != nil {
		log.Error(ctx, "failed to load path filters", "error", err)
		return err
	}
	planner := bitintegrity.NewPlanner(
		postgres.NewContentIndex(pool, e.tracer),
		filter,
		cfg.Producer.PageSize,
		e.tracer,
		log,
	)

	metrics, err := producerapp.NewProducerMetrics(e.meter)
	if err != nil {
		log.Error(ctx, "failed to create producer metrics", "error", err)
		return err
	}

	p := producerapp.NewLoopingTaskProducer(
		producerapp.Config{
			Name:             cfg.Producer.Name,
			Frequency:        cfg.Producer.Frequency,
			MaxQueueSize:     cfg.Producer.MaxQueueSize,
			ThrottleInterval: cfg.Producer.ThrottleInterval,
			RetryInterval:    cfg.Producer.RetryInterval,
			MaxRetryInterval: cfg.Producer.MaxRetryInterval,
			PushRate:         cfg.Producer.PushRate,
			PushBurst:        cfg.Producer.PushBurst,
		},
		store,
		sink,
		e.accountSource(pool),
		planner,
		e.notifier(kc),
		metrics,
		e.tracer,
		log,
	)

	if runOnce {
		return p.RunOnce(ctx)
	}

	coord, err := e.coordinator()
	if err != nil {
		log.Error(ctx, "failed to create coordinator", "error", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := e.serveHealth(gctx, g); err != nil {
		return err
	}
	e.readiness.SetReady(true)
	log.Info(ctx, "Producer initialized", "leader_election", cfg.Cluster.LeaderElection)

	g.Go(func() error {
		return cluster.RunWhileLeader(gctx, coord, p.Run)
	})

	if err := g.Wait(); err != nil {
		log.Error(ctx, "Producer stopped", "error", err)
		return err
	}
	log.Info(ctx, "Producer stopped")
	return nil
}
