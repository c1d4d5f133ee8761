// Package producer runs the checkpointed looping task producer: it plans a
// pass of morsels from the tenant accounts, drains them into the task queue
// under a backpressure ceiling and checkpoints after every morsel so a
// restart resumes where it left off.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/domain/tenant"
	"github.com/ahrav/audit-mill/pkg/common"
	"github.com/ahrav/audit-mill/pkg/common/logger"
	"github.com/ahrav/audit-mill/pkg/common/timeutil"
)

// State is the producer's position in its pass-and-sleep cycle.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDraining
	StateThrottled
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateDraining:
		return "DRAINING"
	case StateThrottled:
		return "THROTTLED"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the producer's tunables.
type Config struct {
	// Name identifies the producer in logs and traces.
	Name string
	// Frequency is the minimum time between the starts of consecutive passes.
	Frequency time.Duration
	// MaxQueueSize is the queue depth at or above which pushing pauses.
	// Zero disables the ceiling.
	MaxQueueSize int64
	// ThrottleInterval is how long to wait before re-checking a full queue.
	ThrottleInterval time.Duration
	// RetryInterval is the first backoff after a failed push or checkpoint.
	RetryInterval time.Duration
	// MaxRetryInterval caps that backoff.
	MaxRetryInterval time.Duration
	// PushRate limits pushes per second. Zero means unlimited.
	PushRate  float64
	PushBurst int
}

// Option configures optional LoopingTaskProducer behavior.
type Option func(*LoopingTaskProducer)

// WithClock overrides the time source, used by tests to control sleeping.
func WithClock(c timeutil.Provider) Option {
	return func(p *LoopingTaskProducer) { p.clock = c }
}

// LoopingTaskProducer turns tenant work into queued tasks, one resumable
// morsel at a time. Task emission is at-least-once: a morsel is only removed
// from the checkpoint after every task it expanded to was acknowledged.
type LoopingTaskProducer struct {
	cfg Config

	store    producer.StateStore
	sink     producer.TaskSink
	accounts tenant.AccountSource
	planner  producer.WorkPlanner
	notifier notification.Notifier

	limiter *common.RateLimiter
	clock   timeutil.Provider
	state   atomic.Int32

	metrics ProducerMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// NewLoopingTaskProducer wires a producer from its collaborators.
func NewLoopingTaskProducer(
	cfg Config,
	store producer.StateStore,
	sink producer.TaskSink,
	accounts tenant.AccountSource,
	planner producer.WorkPlanner,
	notifier notification.Notifier,
	metrics ProducerMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...Option,
) *LoopingTaskProducer {
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = 10 * cfg.RetryInterval
	}

	p := &LoopingTaskProducer{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		accounts: accounts,
		planner:  planner,
		notifier: notifier,
		limiter:  common.NewRateLimiter(cfg.PushRate, cfg.PushBurst),
		clock:    timeutil.Default(),
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "looping_task_producer", "producer", cfg.Name),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports the producer's current state.
func (p *LoopingTaskProducer) State() State { return State(p.state.Load()) }

func (p *LoopingTaskProducer) setState(s State) { p.state.Store(int32(s)) }

// Run loops forever: resume or scan, drain, sleep until the next pass is due.
// It returns nil once ctx is canceled and the producer reaches a safe point.
// Only a load failure, including *producer.StateCorruptError, is returned
// as an error; everything else is logged and retried.
func (p *LoopingTaskProducer) Run(ctx context.Context) error {
	defer p.setState(StateStopped)

	state, err := p.load(ctx)
	if err != nil {
		return err
	}

	retry := p.newRetryBackoff()
	for {
		if ctx.Err() != nil {
			p.logger.Info(ctx, "producer stopped")
			return nil
		}

		if !state.HasPending() {
			if err := p.sleepUntilNextPass(ctx, state); err != nil {
				return nil
			}
			next, err := p.scan(ctx, state)
			if err != nil {
				p.logger.Error(ctx, "scan failed, will retry", "error", err)
				if p.wait(ctx, retry) != nil {
					return nil
				}
				continue
			}
			state = next
		}

		next, err := p.drain(ctx, state)
		state = next
		if err == nil {
			retry.Reset()
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		p.logger.Warn(ctx, "drain cycle aborted, will retry pending morsel", "error", err)
		if p.wait(ctx, retry) != nil {
			return nil
		}
	}
}

// RunOnce performs a single drain cycle without sleeping: it resumes pending
// morsels or, if there are none, scans a new pass and drains it.
func (p *LoopingTaskProducer) RunOnce(ctx context.Context) error {
	defer p.setState(StateStopped)

	state, err := p.load(ctx)
	if err != nil {
		return err
	}

	if !state.HasPending() {
		if state, err = p.scan(ctx, state); err != nil {
			return err
		}
	}

	_, err = p.drain(ctx, state)
	return err
}

func (p *LoopingTaskProducer) load(ctx context.Context) (*producer.RunState, error) {
	p.setState(StateIdle)

	state, err := p.store.Load(ctx)
	if err != nil {
		var corrupt *producer.StateCorruptError
		if errors.As(err, &corrupt) {
			p.logger.Error(ctx, "run state is corrupt, operator intervention required", "error", err)
			p.notifier.Notify(ctx, notification.Event{
				Subject:    "Task producer halted: corrupt run state",
				Message:    err.Error(),
				Severity:   notification.SeverityError,
				Audience:   notification.AudienceTechnical,
				Attributes: map[string]string{"producer": p.cfg.Name, "location": corrupt.Location},
				OccurredAt: p.clock.Now(),
			})
		}
		return nil, fmt.Errorf("loading run state: %w", err)
	}

	if state.HasPending() {
		p.logger.Info(ctx, "resuming pass",
			"pass_id", state.PassID().String(),
			"pending_morsels", len(state.Pending()),
			"tasks_emitted", state.TasksEmitted(),
		)
	}
	return state, nil
}

// sleepUntilNextPass waits until Frequency has elapsed since the previous
// pass started. An overrun pass restarts immediately.
func (p *LoopingTaskProducer) sleepUntilNextPass(ctx context.Context, state *producer.RunState) error {
	due := state.NextPassAt(p.cfg.Frequency)
	if due.IsZero() {
		return nil
	}

	wait := due.Sub(p.clock.Now())
	if wait <= 0 {
		p.logger.Info(ctx, "previous pass overran frequency, starting next pass immediately",
			"overrun", (-wait).String())
		return nil
	}

	p.setState(StateSleeping)
	p.logger.Info(ctx, "sleeping until next pass", "next_pass_at", due, "sleep", wait.String())
	return p.clock.Sleep(ctx, wait)
}

// scan enumerates tenants, plans a fresh batch of morsels and persists the
// new pass before returning it. The previous state is kept on failure.
func (p *LoopingTaskProducer) scan(ctx context.Context, prev *producer.RunState) (*producer.RunState, error) {
	p.setState(StateScanning)

	ctx, span := p.tracer.Start(ctx, "looping_task_producer.scan",
		trace.WithAttributes(attribute.String("producer", p.cfg.Name)))
	defer span.End()

	accounts, err := p.accounts.CurrentAccounts(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing accounts failed")
		return prev, fmt.Errorf("listing accounts: %w", err)
	}

	var morsels []producer.Morsel
	for _, account := range accounts {
		subdomains, err := p.accounts.SubdomainsFor(ctx, account)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "listing subdomains failed")
			return prev, fmt.Errorf("listing subdomains for %s: %w", account, err)
		}

		planned, err := p.planner.Plan(ctx, account, subdomains)
		if err != nil {
			if ctx.Err() != nil {
				return prev, ctx.Err()
			}
			// One broken tenant must not block every other tenant's pass.
			span.RecordError(err)
			p.logger.Error(ctx, "planning account failed, skipping for this pass",
				"account", account, "error", err)
			p.notify(ctx, "Task producer skipped account", err, map[string]string{"account": account})
			continue
		}
		morsels = append(morsels, planned...)
	}

	next := prev.Clone()
	next.StartPass(uuid.New(), p.clock.Now(), morsels)
	if len(morsels) == 0 {
		next.MarkPassComplete(next.PassStartedAt())
	}
	if err := p.store.Save(context.WithoutCancel(ctx), next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saving new pass failed")
		return prev, fmt.Errorf("checkpointing new pass: %w", err)
	}

	p.metrics.IncPassesStarted(ctx)
	p.metrics.SetPendingMorsels(ctx, len(morsels))
	span.SetAttributes(
		attribute.String("pass_id", next.PassID().String()),
		attribute.Int("accounts", len(accounts)),
		attribute.Int("morsels", len(morsels)),
	)
	span.SetStatus(codes.Ok, "pass planned")
	p.logger.Info(ctx, "pass started",
		"pass_id", next.PassID().String(),
		"accounts", len(accounts),
		"morsels", len(morsels),
	)

	return next, nil
}

// drain works through the pending morsels in order, checkpointing after each.
// It returns the latest persisted state together with the error that stopped
// it, if any. Cancellation is honored between morsels and while waiting on
// a full queue; individual pushes and checkpoint saves are never interrupted.
func (p *LoopingTaskProducer) drain(ctx context.Context, state *producer.RunState) (*producer.RunState, error) {
	p.setState(StateDraining)

	for state.HasPending() {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		m, _ := state.Next()
		emitted, err := p.drainMorsel(ctx, state, m)
		if err != nil {
			return state, err
		}

		next := state.Clone()
		next.Complete(emitted)
		if !next.HasPending() {
			next.MarkPassComplete(p.clock.Now())
		}
		if err := p.store.Save(context.WithoutCancel(ctx), next); err != nil {
			p.logger.Error(ctx, "checkpoint failed, morsel will be replayed", "error", err)
			return state, fmt.Errorf("checkpointing morsel: %w", err)
		}
		state = next

		p.metrics.IncMorselsCompleted(ctx)
		p.metrics.SetPendingMorsels(ctx, len(state.Pending()))

		if !state.HasPending() {
			elapsed := state.PassCompletedAt().Sub(state.PassStartedAt())
			p.metrics.ObservePassDuration(ctx, elapsed)
			p.logger.Info(ctx, "pass complete",
				"pass_id", state.PassID().String(),
				"tasks_emitted", state.TasksEmitted(),
				"duration", elapsed.String(),
			)
		}
	}

	return state, nil
}

// drainMorsel expands m and pushes its tasks. An expansion failure skips the
// morsel (zero tasks, nil error); a push failure aborts with *SinkPushError.
func (p *LoopingTaskProducer) drainMorsel(ctx context.Context, state *producer.RunState, m producer.Morsel) (int, error) {
	logger := logger.NewLoggerContext(p.logger.With(
		"operation", "drain_morsel",
		"pass_id", state.PassID().String(),
		"morsel_kind", string(m.Kind),
	))
	ctx, span := p.tracer.Start(ctx, "looping_task_producer.drain_morsel",
		trace.WithAttributes(
			attribute.String("pass_id", state.PassID().String()),
			attribute.String("morsel_kind", string(m.Kind)),
		))
	defer span.End()

	tasks, err := p.planner.Expand(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		expErr := &producer.TaskExpansionError{Kind: m.Kind, Err: err}
		span.RecordError(expErr)
		span.AddEvent("morsel_skipped")
		p.metrics.IncMorselsSkipped(ctx)
		logger.Error(ctx, "skipping morsel", "payload", string(m.Payload), "error", expErr)
		p.notify(ctx, "Task producer skipped morsel", expErr, map[string]string{"morsel_kind": string(m.Kind)})
		return 0, nil
	}

	pushCtx := context.WithoutCancel(ctx)
	for _, task := range tasks {
		if err := p.awaitCapacity(ctx); err != nil {
			return 0, err
		}
		if err := p.limiter.Wait(pushCtx); err != nil {
			return 0, err
		}

		if err := p.sink.Push(pushCtx, task); err != nil {
			pushErr := &producer.SinkPushError{TaskID: task.ID.String(), Err: err}
			p.metrics.IncPushErrors(ctx)
			logger.Add("task_id", task.ID.String())
			logger.Warn(ctx, "push failed, morsel will be retried", "error", pushErr)
			span.RecordError(pushErr)
			span.SetStatus(codes.Error, "push failed")
			return 0, pushErr
		}
		p.metrics.IncTasksPushed(ctx)
	}

	span.SetAttributes(attribute.Int("tasks", len(tasks)))
	span.SetStatus(codes.Ok, "morsel drained")
	logger.Debug(ctx, "morsel drained", "tasks", len(tasks))
	return len(tasks), nil
}

// awaitCapacity blocks while the queue is at or above MaxQueueSize. A failed
// depth query is treated as a full queue.
func (p *LoopingTaskProducer) awaitCapacity(ctx context.Context) error {
	if p.cfg.MaxQueueSize <= 0 {
		return nil
	}

	throttled := false
	for {
		depth, err := p.sink.Depth(ctx)
		if err == nil && depth < p.cfg.MaxQueueSize {
			if throttled {
				p.logger.Info(ctx, "queue drained below ceiling, resuming", "depth", depth)
			}
			p.setState(StateDraining)
			return nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn(ctx, "queue depth unavailable, pausing", "error", err)
		} else if !throttled {
			p.logger.Info(ctx, "queue at ceiling, throttling",
				"depth", depth, "max_queue_size", p.cfg.MaxQueueSize)
		}

		if !throttled {
			p.metrics.IncThrottled(ctx)
			throttled = true
		}
		p.setState(StateThrottled)
		if err := p.clock.Sleep(ctx, p.cfg.ThrottleInterval); err != nil {
			return err
		}
	}
}

func (p *LoopingTaskProducer) newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInterval
	b.MaxInterval = p.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *LoopingTaskProducer) wait(ctx context.Context, b *backoff.ExponentialBackOff) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = p.cfg.MaxRetryInterval
	}
	return p.clock.Sleep(ctx, d)
}

func (p *LoopingTaskProducer) notify(ctx context.Context, subject string, err error, attrs map[string]string) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["producer"] = p.cfg.Name
	p.notifier.Notify(ctx, notification.Event{
		Subject:    subject,
		Message:    err.Error(),
		Severity:   notification.SeverityWarning,
		Audience:   notification.AudienceTechnical,
		Attributes: attrs,
		OccurredAt: p.clock.Now(),
	})
}
