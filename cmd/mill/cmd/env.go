package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/audit-mill/internal/app/cluster"
	"github.com/ahrav/audit-mill/internal/app/notify"
	"github.com/ahrav/audit-mill/internal/config"
	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/domain/tenant"
	"github.com/ahrav/audit-mill/internal/infra/cluster/kubernetes"
	"github.com/ahrav/audit-mill/internal/infra/queue/kafka"
	"github.com/ahrav/audit-mill/internal/infra/queue/memory"
	"github.com/ahrav/audit-mill/internal/infra/storage"
	"github.com/ahrav/audit-mill/internal/infra/storage/accountfile"
	"github.com/ahrav/audit-mill/internal/infra/storage/postgres"
	"github.com/ahrav/audit-mill/pkg/common"
	"github.com/ahrav/audit-mill/pkg/common/logger"
	"github.com/ahrav/audit-mill/pkg/common/otel"
)

// env carries what every subcommand needs: configuration, logging,
// telemetry, readiness and the ordered teardown list.
type env struct {
	cfg      *config.Config
	role     string
	hostname string

	log       *logger.Logger
	tracer    trace.Tracer
	meter     metric.MeterProvider
	readiness *common.Readiness
	shutdown  *common.Shutdown
}

func bootstrap(role string) (*env, error) {
	_, _ = maxprocs.Set()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, role)
	log := newLogger(cfg, svcName, hostname, role)

	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Enabled:          cfg.Telemetry.Enabled,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	e := &env{
		cfg:       cfg,
		role:      role,
		hostname:  hostname,
		log:       log,
		tracer:    providers.Tracer.Tracer(svcName),
		meter:     providers.Meter,
		readiness: &common.Readiness{},
		shutdown:  &common.Shutdown{},
	}
	e.shutdown.Register("telemetry", func(ctx context.Context) error {
		teardown(ctx)
		return nil
	})
	return e, nil
}

func newLogger(cfg *config.Config, svcName, hostname, role string) *logger.Logger {
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       role,
	}

	return logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.Log.Level),
		svcName,
		otel.GetTraceID,
		events,
		metadata,
	)
}

// close runs the teardown list under a fresh grace-period deadline.
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Shutdown.GracePeriod)
	defer cancel()
	if err := e.shutdown.Run(ctx, e.log); err != nil {
		e.log.Error(ctx, "Shutdown finished with errors", "error", err)
	}
}

// serveHealth runs the health server until ctx is done.
func (e *env) serveHealth(ctx context.Context, g *errgroup.Group) error {
	srv, err := common.NewHealthServer(e.cfg.Health.Addr, build, e.readiness, e.log)
	if err != nil {
		return err
	}

	g.Go(func() error {
		e.log.Info(ctx, "Health server listening", "addr", e.cfg.Health.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		e.readiness.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Shutdown.GracePeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// openPool connects to Postgres when any component needs it. It returns a
// nil pool otherwise.
func (e *env) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if !e.cfg.NeedsDatabase() {
		return nil, nil
	}

	pool, err := common.ConnectWithRetry(ctx, e.log, "postgres", common.DefaultRetryConfig,
		func(ctx context.Context) (*pgxpool.Pool, error) {
			return postgres.NewPool(ctx, postgres.PoolConfig{
				DSN:      e.cfg.Database.DSN,
				MinConns: e.cfg.Database.MinConns,
				MaxConns: e.cfg.Database.MaxConns,
			})
		})
	if err != nil {
		return nil, err
	}
	e.shutdown.Register("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})

	if e.cfg.Database.Migrate {
		if err := storage.RunMigrations(pool, e.cfg.Database.MigrationsDir); err != nil {
			return nil, err
		}
		e.log.Info(ctx, "Migrations applied successfully")
	}
	return pool, nil
}

// kafkaConn is the shared Kafka client and what is built from it.
type kafkaConn struct {
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
}

func (e *env) connectKafka(ctx context.Context) (*kafkaConn, error) {
	if e.cfg.Queue.Type != "kafka" {
		return nil, nil
	}

	clientID := fmt.Sprintf("%s-%s-%s", e.cfg.Kafka.ClientID, e.role, e.hostname)
	client, err := common.ConnectWithRetry(ctx, e.log, "kafka", common.DefaultRetryConfig,
		func(context.Context) (sarama.Client, error) {
			return kafka.NewClient(kafka.ClientConfig{Brokers: e.cfg.Kafka.Brokers, ClientID: clientID})
		})
	if err != nil {
		return nil, err
	}

	// Closing the admin also closes the client.
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("creating cluster admin: %w", err)
	}
	e.shutdown.RegisterCloser("kafka admin", admin)

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	e.shutdown.RegisterCloser("kafka producer", producer)

	return &kafkaConn{client: client, producer: producer, admin: admin}, nil
}

func (e *env) accountSource(pool *pgxpool.Pool) tenant.AccountSource {
	if e.cfg.Accounts.Source == "file" {
		return accountfile.New(e.cfg.Accounts.File)
	}
	return postgres.NewAccountStore(pool, e.tracer)
}

func (e *env) notifier(kc *kafkaConn) notification.Notifier {
	targets := []notification.Notifier{notify.NewLogNotifier(e.log)}
	if kc != nil && e.cfg.Kafka.NotificationTopic != "" {
		targets = append(targets, kafka.NewNotifier(e.cfg.Kafka.NotificationTopic, kc.producer, e.log, e.tracer))
	}
	return notify.NewFanout(notify.Recipients{
		Technical:    e.cfg.Notification.Recipients,
		NonTechnical: e.cfg.Notification.NonTechnicalRecipients,
	}, targets...)
}

func (e *env) taskSink(kc *kafkaConn) (producer.TaskSink, error) {
	if kc == nil {
		e.log.Warn(context.Background(), "Using in-memory task queue; tasks are not persisted")
		return memory.NewQueue(), nil
	}
	return kafka.NewTaskQueue(kafka.TaskQueueConfig{
		Topic:       e.cfg.Kafka.TaskTopic,
		WorkerGroup: e.cfg.Kafka.WorkerGroup,
	}, kc.producer, kc.client, kc.admin, e.log, e.tracer)
}

func (e *env) coordinator() (cluster.Coordinator, error) {
	if !e.cfg.Cluster.LeaderElection {
		return cluster.NewStandalone(), nil
	}

	client, err := kubernetes.NewClient(e.cfg.Cluster.KubeConfig)
	if err != nil {
		return nil, err
	}

	identity := e.cfg.Cluster.Identity
	if identity == "" {
		identity = e.hostname
	}
	return kubernetes.NewCoordinator(kubernetes.Config{
		Namespace:    e.cfg.Cluster.Namespace,
		LeaderLockID: e.cfg.Cluster.LockID,
		Identity:     identity,
	}, client, kubernetes.DefaultTimings, e.log, e.tracer)
}
