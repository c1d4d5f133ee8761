package listener

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/domain/tenant"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// ErrManagerStopped is returned by Manager calls made after Destroy.
var ErrManagerStopped = errors.New("listener manager stopped")

// DesiredKeys computes the full desired container set: one key per account,
// subdomain and container index. Any source failure is reported as
// *tenant.PolicyUnavailableError; a partial result is never returned.
func DesiredKeys(
	ctx context.Context,
	source tenant.AccountSource,
	containersPerSubdomain int,
) (map[listener.AccountContainerKey]struct{}, error) {
	accounts, err := source.CurrentAccounts(ctx)
	if err != nil {
		return nil, asPolicyUnavailable("current accounts", err)
	}

	desired := make(map[listener.AccountContainerKey]struct{})
	for _, account := range accounts {
		subdomains, err := source.SubdomainsFor(ctx, account)
		if err != nil {
			return nil, asPolicyUnavailable("subdomains for "+account, err)
		}
		for _, sd := range subdomains {
			for i := range containersPerSubdomain {
				desired[listener.AccountContainerKey{Account: account, Subdomain: sd, Index: i}] = struct{}{}
			}
		}
	}
	return desired, nil
}

func asPolicyUnavailable(op string, err error) error {
	var pu *tenant.PolicyUnavailableError
	if errors.As(err, &pu) {
		return err
	}
	return &tenant.PolicyUnavailableError{Op: op, Err: err}
}

// ManagerConfig holds the reconciliation tunables.
type ManagerConfig struct {
	ContainersPerSubdomain int
	ReconciliationPeriod   time.Duration
}

// TickerFunc creates the periodic tick source. The returned stop function
// releases it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithTicker replaces the wall-clock ticker, used by tests to drive ticks.
func WithTicker(f TickerFunc) ManagerOption {
	return func(m *Manager) { m.newTicker = f }
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Manager drives the Registry towards the desired container set. All
// registry access, whether from the periodic ticker, Init, ReconcileNow or
// Destroy, runs as a command on a single worker goroutine, so a teardown
// can never interleave with an in-flight reconciliation.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	accounts tenant.AccountSource

	newTicker TickerFunc

	mu           sync.Mutex
	started      bool
	destroyed    bool
	cancelTicker context.CancelFunc
	tickerDone   chan struct{}

	cmds       chan command
	ticks      chan struct{}
	workerDone chan struct{}
	cancelWork context.CancelFunc

	// closing is only touched by the worker goroutine.
	closing  bool
	stopping atomic.Bool

	metrics ListenerMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// NewManager creates a Manager. Nothing runs until Init or Start.
func NewManager(
	cfg ManagerConfig,
	registry *Registry,
	accounts tenant.AccountSource,
	metrics ListenerMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...ManagerOption,
) *Manager {
	if cfg.ContainersPerSubdomain <= 0 {
		cfg.ContainersPerSubdomain = 1
	}
	if cfg.ReconciliationPeriod <= 0 {
		cfg.ReconciliationPeriod = time.Minute
	}

	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		accounts:   accounts,
		newTicker:  realTicker,
		cmds:       make(chan command),
		ticks:      make(chan struct{}, 1),
		workerDone: make(chan struct{}),
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger.With("component", "listener_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init creates and starts every desired consumer before periodic
// reconciliation begins. It fails only when the desired set cannot be
// computed; individual container failures are retried by later ticks.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.ensureWorker(ctx); err != nil {
		return err
	}

	return m.submit(ctx, func(ctx context.Context) error {
		ctx, span := m.tracer.Start(ctx, "listener_manager.init")
		defer span.End()

		desired, err := DesiredKeys(ctx, m.accounts, m.cfg.ContainersPerSubdomain)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "desired set unavailable")
			return err
		}

		keys := sortedKeys(desired)
		if err := m.registry.InitAll(ctx, keys); err != nil {
			m.logger.Warn(ctx, "some containers failed to start during init", "error", err)
		}
		span.SetAttributes(
			attribute.Int("desired", len(keys)),
			attribute.Int("registered", m.registry.Len()),
		)
		m.logger.Info(ctx, "listener containers initialized",
			"desired", len(keys), "registered", m.registry.Len())
		return nil
	})
}

// Start begins periodic reconciliation. Ticks never overlap: while one is
// running at most one more is queued and further ones are skipped.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ensureWorker(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrManagerStopped
	}
	if m.cancelTicker != nil {
		return nil
	}

	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelTicker = cancel
	m.tickerDone = make(chan struct{})

	c, stop := m.newTicker(m.cfg.ReconciliationPeriod)
	go func() {
		defer close(m.tickerDone)
		defer stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-c:
				select {
				case m.ticks <- struct{}{}:
				default:
					m.metrics.IncTicksSkipped(tickCtx, "overlap")
					m.logger.Debug(tickCtx, "reconciliation still running, tick skipped")
				}
			}
		}
	}()

	m.logger.Info(ctx, "reconciliation started", "period", m.cfg.ReconciliationPeriod.String())
	return nil
}

// ReconcileNow runs one reconciliation tick and waits for it.
func (m *Manager) ReconcileNow(ctx context.Context) error {
	if err := m.ensureWorker(ctx); err != nil {
		return err
	}
	return m.submit(ctx, m.reconcile)
}

// Keys returns a snapshot of the registered keys.
func (m *Manager) Keys(ctx context.Context) ([]listener.AccountContainerKey, error) {
	if err := m.ensureWorker(ctx); err != nil {
		return nil, err
	}
	var keys []listener.AccountContainerKey
	err := m.submit(ctx, func(context.Context) error {
		keys = m.registry.AllKeys()
		return nil
	})
	return keys, err
}

// Destroy cancels the ticker, waits for any in-flight tick, retires every
// container and stops the worker. Later calls return ErrManagerStopped.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.stopping.Store(true)
	started := m.started
	cancelTicker, tickerDone := m.cancelTicker, m.tickerDone
	m.mu.Unlock()

	if cancelTicker != nil {
		cancelTicker()
		<-tickerDone
	}
	if !started {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "listener_manager.destroy")
	defer span.End()

	err := m.submit(ctx, func(ctx context.Context) error {
		m.closing = true
		return m.registry.DestroyAll(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "destroy incomplete")
	}

	select {
	case <-m.workerDone:
		m.cancelWork()
	case <-ctx.Done():
		// Grace period exhausted: abandon in-flight stop and shutdown calls.
		m.cancelWork()
		return errors.Join(err, ctx.Err())
	}

	m.logger.Info(ctx, "listener manager destroyed")
	return err
}

func (m *Manager) ensureWorker(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrManagerStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelWork = cancel
	go m.work(workCtx)
	return nil
}

// work is the sole owner of the registry. It exits after the closing
// command or when Destroy abandons it.
func (m *Manager) work(ctx context.Context) {
	defer close(m.workerDone)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			cmd.done <- cmd.fn(ctx)
			if m.closing {
				return
			}
		case <-m.ticks:
			if m.stopping.Load() {
				continue
			}
			_ = m.reconcile(ctx)
		}
	}
}

func (m *Manager) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}

	select {
	case m.cmds <- cmd:
	case <-m.workerDone:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconcile converges the registry on the desired set. A policy failure
// skips the tick and leaves the registry untouched.
func (m *Manager) reconcile(ctx context.Context) error {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "listener_manager.reconcile")
	defer span.End()

	if r, ok := m.accounts.(tenant.Refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			m.logger.Warn(ctx, "policy cache refresh failed", "error", err)
		}
	}

	desired, err := DesiredKeys(ctx, m.accounts, m.cfg.ContainersPerSubdomain)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy unavailable, tick skipped")
		m.metrics.IncTicksSkipped(ctx, "policy_unavailable")
		m.logger.Warn(ctx, "account policy unavailable, skipping reconciliation", "error", err)
		return err
	}

	var toRemove []listener.AccountContainerKey
	for _, k := range m.registry.AllKeys() {
		if _, ok := desired[k]; ok {
			delete(desired, k)
			continue
		}
		toRemove = append(toRemove, k)
	}
	toAdd := sortedKeys(desired)

	var errs []error
	for _, k := range toAdd {
		if err := m.registry.Ensure(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	for _, k := range toRemove {
		if err := m.registry.Retire(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}

	elapsed := time.Since(start)
	m.metrics.IncTicks(ctx)
	m.metrics.ObserveTickDuration(ctx, elapsed)
	span.SetAttributes(
		attribute.Int("added", len(toAdd)),
		attribute.Int("removed", len(toRemove)),
		attribute.Int("registered", m.registry.Len()),
	)
	if len(toAdd) > 0 || len(toRemove) > 0 {
		m.logger.Info(ctx, "reconciliation applied",
			"added", len(toAdd),
			"removed", len(toRemove),
			"registered", m.registry.Len(),
			"duration", elapsed.String(),
		)
	}

	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, "reconciliation incomplete")
		return err
	}
	span.SetStatus(codes.Ok, "reconciled")
	return nil
}

func sortedKeys(set map[listener.AccountContainerKey]struct{}) []listener.AccountContainerKey {
	keys := make([]listener.AccountContainerKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}
