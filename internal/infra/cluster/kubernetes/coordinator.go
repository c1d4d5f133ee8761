// Package kubernetes provides lease-based leader election so only one mill
// replica runs the task producer.
package kubernetes

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/audit-mill/internal/app/cluster"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Timings for the lease. Tests shorten them.
type Timings struct {
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// DefaultTimings are the lease timings used in production.
var DefaultTimings = Timings{
	LeaseDuration: 15 * time.Second,
	RenewDeadline: 10 * time.Second,
	RetryPeriod:   2 * time.Second,
}

// Coordinator runs leader election on a Kubernetes Lease.
type Coordinator struct {
	cfg     Config
	elector *leaderelection.LeaderElector

	mu       sync.Mutex
	cb       func(isLeader bool)
	stopOnce sync.Once
	stopCh   chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator contending for cfg.LeaderLockID.
func NewCoordinator(
	cfg Config,
	client kubernetes.Interface,
	timings Timings,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(
			attribute.String("namespace", cfg.Namespace),
			attribute.String("lock_id", cfg.LeaderLockID),
			attribute.String("identity", cfg.Identity),
		))
	defer span.End()

	if cfg.Namespace == "" || cfg.LeaderLockID == "" || cfg.Identity == "" {
		err := errors.New("namespace, lock id and identity are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid config")
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: logger.With(
			"component", "kubernetes_coordinator",
			"namespace", cfg.Namespace,
			"leader_lock_id", cfg.LeaderLockID,
			"identity", cfg.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderLockID,
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   timings.LeaseDuration,
		RenewDeadline:   timings.RenewDeadline,
		RetryPeriod:     timings.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaderLockID,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, err
	}
	c.elector = elector
	span.AddEvent("leader_elector_created")

	return c, nil
}

// Start contends for leadership until ctx is done or Stop is called. When
// leadership is lost the coordinator rejoins the election.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info(ctx, "starting leader elector")
	for ctx.Err() == nil {
		// Run returns once leadership is lost or ctx is done.
		c.elector.Run(ctx)
	}
	return nil
}

// Stop ends the election loop and releases the lease.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info(context.Background(), "stopping leader elector")
		close(c.stopCh)
	})
	return nil
}

// OnLeadershipChange registers a callback that will be invoked when this instance
// gains or loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading")
	defer span.End()

	c.logger.Info(ctx, "became leader")
	span.AddEvent("became_leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading")
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	span.AddEvent("lost_leadership")
	c.notify(false)
}
