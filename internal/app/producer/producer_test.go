package producer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/internal/infra/storage/statefile"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type spaceMorsel struct {
	Account   string `json:"account"`
	Subdomain string `json:"subdomain"`
	Tasks     int    `json:"tasks"`
}

func (spaceMorsel) MorselKind() producer.MorselKind { return "space" }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type memStore struct {
	state   *producer.RunState
	loadErr error
	saveErr func(n int) error
	saves   []*producer.RunState
}

func (s *memStore) Load(context.Context) (*producer.RunState, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.state == nil {
		return producer.NewRunState(), nil
	}
	return s.state.Clone(), nil
}

func (s *memStore) Save(_ context.Context, st *producer.RunState) error {
	if s.saveErr != nil {
		if err := s.saveErr(len(s.saves)); err != nil {
			return err
		}
	}
	s.saves = append(s.saves, st.Clone())
	s.state = st.Clone()
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	pushed   []producer.Task
	depth    int64
	pushFn   func(t producer.Task) error
	depthErr error
}

func (s *fakeSink) Push(_ context.Context, t producer.Task) error {
	if s.pushFn != nil {
		if err := s.pushFn(t); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, t)
	s.depth++
	return nil
}

func (s *fakeSink) Depth(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth, s.depthErr
}

func (s *fakeSink) Pushed() []producer.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]producer.Task(nil), s.pushed...)
}

type fakeAccounts struct {
	accounts   []string
	subdomains map[string][]string
	err        error
	onList     func()
}

func (f *fakeAccounts) CurrentAccounts(context.Context) ([]string, error) {
	if f.onList != nil {
		f.onList()
	}
	return f.accounts, f.err
}

func (f *fakeAccounts) SubdomainsFor(_ context.Context, account string) ([]string, error) {
	return f.subdomains[account], nil
}

// fakePlanner emits one morsel per subdomain carrying tasksPerMorsel tasks.
type fakePlanner struct {
	tasksPerMorsel int
	expandErr      func(p spaceMorsel) error
	planErr        map[string]error
	expanded       []spaceMorsel
}

func (f *fakePlanner) Plan(_ context.Context, account string, subdomains []string) ([]producer.Morsel, error) {
	if err := f.planErr[account]; err != nil {
		return nil, err
	}
	out := make([]producer.Morsel, 0, len(subdomains))
	for _, sd := range subdomains {
		m, err := producer.Wrap(spaceMorsel{Account: account, Subdomain: sd, Tasks: f.tasksPerMorsel})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakePlanner) Expand(_ context.Context, m producer.Morsel) ([]producer.Task, error) {
	p, err := producer.Unwrap[spaceMorsel](m)
	if err != nil {
		return nil, err
	}
	f.expanded = append(f.expanded, p)
	if f.expandErr != nil {
		if err := f.expandErr(p); err != nil {
			return nil, err
		}
	}
	tasks := make([]producer.Task, 0, p.Tasks)
	for i := range p.Tasks {
		tasks = append(tasks, producer.NewTask(producer.TaskTypeBitIntegrity,
			p.Account, p.Subdomain, "space", fmt.Sprintf("item-%d", i), epoch))
	}
	return tasks, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt notification.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) Events() []notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Event(nil), n.events...)
}

type harness struct {
	store    producer.StateStore
	sink     *fakeSink
	accounts *fakeAccounts
	planner  *fakePlanner
	notifier *recordingNotifier
	clock    *fakeClock
}

func newHarness(store producer.StateStore) *harness {
	return &harness{
		store: store,
		sink:  &fakeSink{},
		accounts: &fakeAccounts{
			accounts:   []string{"acme"},
			subdomains: map[string][]string{"acme": {"east", "west", "north"}},
		},
		planner:  &fakePlanner{tasksPerMorsel: 2},
		notifier: &recordingNotifier{},
		clock:    newFakeClock(),
	}
}

func (h *harness) producer(t *testing.T, cfg Config) *LoopingTaskProducer {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = time.Hour
	}
	metrics, err := NewProducerMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	return NewLoopingTaskProducer(
		cfg,
		h.store,
		h.sink,
		h.accounts,
		h.planner,
		h.notifier,
		metrics,
		noop.NewTracerProvider().Tracer("test"),
		logger.Noop(),
		WithClock(h.clock),
	)
}

func TestRunOnceDrainsPassToEmptyCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bit-producer-state.json")
	store := statefile.New(path, noop.NewTracerProvider().Tracer("test"))

	previous := producer.NewRunState()
	previous.StartPass(uuid.New(), epoch.Add(-24*time.Hour), nil)
	require.NoError(t, store.Save(context.Background(), previous))

	h := newHarness(store)
	p := h.producer(t, Config{})

	require.NoError(t, p.RunOnce(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.Len(t, h.sink.Pushed(), 6)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, persisted.HasPending())
	assert.True(t, persisted.PassStartedAt().Equal(epoch))
	assert.NotEqual(t, previous.PassID(), persisted.PassID())
	assert.Equal(t, int64(6), persisted.TasksEmitted())
	assert.False(t, persisted.PassCompletedAt().IsZero())
}

// reloadingStore saves through a file store and reads every checkpoint back.
type reloadingStore struct {
	*statefile.Store
	t        *testing.T
	reloaded []*producer.RunState
}

func (s *reloadingStore) Save(ctx context.Context, st *producer.RunState) error {
	if err := s.Store.Save(ctx, st); err != nil {
		return err
	}
	got, err := s.Store.Load(ctx)
	require.NoError(s.t, err)
	assert.True(s.t, st.Equal(got), "checkpoint with %d pending morsels did not reload equal", len(st.Pending()))
	s.reloaded = append(s.reloaded, got)
	return nil
}

func TestFileCheckpointReloadsEqualDuringPass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bit-producer-state.json")
	store := &reloadingStore{Store: statefile.New(path, noop.NewTracerProvider().Tracer("test")), t: t}

	h := newHarness(store)
	p := h.producer(t, Config{})
	require.NoError(t, p.RunOnce(context.Background()))

	// New pass plus one checkpoint per morsel.
	require.Len(t, store.reloaded, 4)
	for i, st := range store.reloaded {
		assert.Len(t, st.Pending(), 3-i)
		assert.True(t, st.PassStartedAt().Equal(epoch))
	}

	// A producer restarted mid-pass resumes from the reloaded morsels.
	mid := store.reloaded[1]
	want, err := producer.Wrap(spaceMorsel{Account: "acme", Subdomain: "west", Tasks: 2})
	require.NoError(t, err)
	head, ok := mid.Next()
	require.True(t, ok)
	assert.True(t, want.Equal(head))

	final, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, final.HasPending())
	assert.Equal(t, int64(6), final.TasksEmitted())
}

func TestCheckpointAfterEveryMorsel(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)
	p := h.producer(t, Config{})

	require.NoError(t, p.RunOnce(context.Background()))

	// One save for the new pass, then one per drained morsel.
	require.Len(t, store.saves, 4)
	for i, s := range store.saves {
		assert.Len(t, s.Pending(), 3-i)
	}
}

func TestBackpressureNeverPushesAtCeiling(t *testing.T) {
	const maxQueue = 2

	h := newHarness(&memStore{})
	h.sink.pushFn = func(producer.Task) error {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		if h.sink.depth >= maxQueue {
			return errors.New("pushed while at ceiling")
		}
		return nil
	}
	// A consumer takes one task off the queue per throttle interval.
	var throttledSeen bool
	var p *LoopingTaskProducer
	h.clock.onSleep = func(time.Duration) {
		if p.State() == StateThrottled {
			throttledSeen = true
		}
		h.sink.mu.Lock()
		h.sink.depth--
		h.sink.mu.Unlock()
	}

	p = h.producer(t, Config{MaxQueueSize: maxQueue, ThrottleInterval: time.Second})

	require.NoError(t, p.RunOnce(context.Background()))
	assert.Len(t, h.sink.Pushed(), 6)
	assert.True(t, throttledSeen)
	for _, d := range h.clock.Sleeps() {
		assert.Equal(t, time.Second, d)
	}
}

func TestDepthErrorIsTreatedAsFull(t *testing.T) {
	h := newHarness(&memStore{})
	h.sink.depthErr = errors.New("admin unreachable")
	h.clock.onSleep = func(time.Duration) {
		h.sink.mu.Lock()
		h.sink.depthErr = nil
		h.sink.mu.Unlock()
	}
	p := h.producer(t, Config{MaxQueueSize: 100, ThrottleInterval: time.Second})

	require.NoError(t, p.RunOnce(context.Background()))
	assert.Len(t, h.clock.Sleeps(), 1)
	assert.Len(t, h.sink.Pushed(), 6)
}

func TestExpansionErrorSkipsMorsel(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)
	h.planner.expandErr = func(p spaceMorsel) error {
		if p.Subdomain == "west" {
			return errors.New("content index offline")
		}
		return nil
	}
	p := h.producer(t, Config{})

	require.NoError(t, p.RunOnce(context.Background()))

	pushed := h.sink.Pushed()
	require.Len(t, pushed, 4)
	for _, task := range pushed {
		assert.NotEqual(t, "west", task.Subdomain)
	}
	assert.False(t, store.state.HasPending())

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "space", events[0].Attributes["morsel_kind"])
}

func TestPlanErrorSkipsAccount(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)
	h.accounts.accounts = []string{"acme", "broken"}
	h.planner.planErr = map[string]error{"broken": errors.New("no spaces")}
	p := h.producer(t, Config{})

	require.NoError(t, p.RunOnce(context.Background()))
	assert.Len(t, h.sink.Pushed(), 6)
	require.Len(t, h.notifier.Events(), 1)
	assert.Equal(t, "broken", h.notifier.Events()[0].Attributes["account"])
}

func TestPushFailureKeepsMorselForRetry(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)

	failOn := 3 // second task of the second morsel
	calls := 0
	h.sink.pushFn = func(producer.Task) error {
		calls++
		if calls == failOn+1 {
			return errors.New("broker unavailable")
		}
		return nil
	}
	p := h.producer(t, Config{})

	err := p.RunOnce(context.Background())
	var pushErr *producer.SinkPushError
	require.ErrorAs(t, err, &pushErr)

	require.Len(t, store.state.Pending(), 2)
	head, _ := store.state.Next()
	hp, err := producer.Unwrap[spaceMorsel](head)
	require.NoError(t, err)
	assert.Equal(t, "west", hp.Subdomain)

	// The next cycle resumes at the failed morsel and re-emits all its tasks.
	h.sink.pushFn = nil
	before := len(h.sink.Pushed())
	require.NoError(t, h.producer(t, Config{}).RunOnce(context.Background()))

	resumed := h.sink.Pushed()[before:]
	require.Len(t, resumed, 4)
	assert.Equal(t, "west", resumed[0].Subdomain)
	assert.Equal(t, "west", resumed[1].Subdomain)
	assert.False(t, store.state.HasPending())
}

func TestCrashBeforeCheckpointReEmitsMorsel(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)
	// The pass is saved, then the checkpoint after the first morsel fails as
	// if the process died right after its pushes were acknowledged.
	store.saveErr = func(n int) error {
		if n == 1 {
			return errors.New("disk gone")
		}
		return nil
	}
	p := h.producer(t, Config{})

	require.Error(t, p.RunOnce(context.Background()))
	firstRun := h.sink.Pushed()
	require.Len(t, firstRun, 2)
	assert.Len(t, store.state.Pending(), 3)

	store.saveErr = nil
	require.NoError(t, h.producer(t, Config{}).RunOnce(context.Background()))

	all := h.sink.Pushed()
	require.Len(t, all, 8)
	assert.Equal(t, firstRun[0].ContentID, all[2].ContentID)
	assert.Equal(t, firstRun[0].Subdomain, all[2].Subdomain)
}

func TestRunHaltsOnCorruptState(t *testing.T) {
	store := &memStore{loadErr: &producer.StateCorruptError{Location: "/var/mill/state.json", Err: errors.New("unexpected EOF")}}
	h := newHarness(store)
	p := h.producer(t, Config{})

	err := p.Run(context.Background())
	var corrupt *producer.StateCorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, StateStopped, p.State())
	assert.Empty(t, h.sink.Pushed())
	require.Len(t, h.notifier.Events(), 1)
	assert.Equal(t, notification.SeverityError, h.notifier.Events()[0].Severity)
}

func TestRunSleepsUntilFrequencyElapsedSincePassStart(t *testing.T) {
	prev := producer.NewRunState()
	prev.StartPass(uuid.New(), epoch.Add(-10*time.Minute), nil)
	prev.MarkPassComplete(epoch.Add(-5 * time.Minute))

	h := newHarness(&memStore{state: prev})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var p *LoopingTaskProducer
	var stateWhileSleeping State
	h.clock.onSleep = func(time.Duration) {
		stateWhileSleeping = p.State()
		cancel()
	}
	p = h.producer(t, Config{Frequency: time.Hour})

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []time.Duration{50 * time.Minute}, h.clock.Sleeps())
	assert.Equal(t, StateSleeping, stateWhileSleeping)
	assert.Equal(t, StateStopped, p.State())
	assert.Empty(t, h.sink.Pushed())
}

func TestRunRestartsImmediatelyAfterOverrun(t *testing.T) {
	prev := producer.NewRunState()
	prev.StartPass(uuid.New(), epoch.Add(-2*time.Hour), nil)

	store := &memStore{state: prev}
	h := newHarness(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop once the new pass is fully drained.
	h.sink.pushFn = func(producer.Task) error {
		if len(h.sink.Pushed()) == 5 {
			cancel()
		}
		return nil
	}
	p := h.producer(t, Config{Frequency: time.Hour})

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, h.clock.Sleeps())
	assert.Len(t, h.sink.Pushed(), 6)
	assert.True(t, store.state.PassStartedAt().Equal(epoch))
	assert.False(t, store.state.HasPending())
}

func TestRunStopsAtCheckpointAfterCancellation(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel during the first push: the in-flight morsel still completes and
	// is checkpointed before the producer stops.
	h.sink.pushFn = func(producer.Task) error {
		cancel()
		return nil
	}
	p := h.producer(t, Config{})

	require.NoError(t, p.Run(ctx))
	assert.Len(t, h.sink.Pushed(), 2)
	assert.Len(t, store.state.Pending(), 2)
	assert.Equal(t, int64(2), store.state.TasksEmitted())
}

func TestRunRetriesAfterPolicyUnavailable(t *testing.T) {
	store := &memStore{}
	h := newHarness(store)
	h.accounts.err = errors.New("connection refused")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.clock.onSleep = func(time.Duration) { h.accounts.err = nil }
	h.sink.pushFn = func(producer.Task) error {
		if len(h.sink.Pushed()) == 5 {
			cancel()
		}
		return nil
	}
	p := h.producer(t, Config{RetryInterval: time.Second})

	require.NoError(t, p.Run(ctx))
	require.NotEmpty(t, h.clock.Sleeps())
	assert.Len(t, h.sink.Pushed(), 6)
	assert.False(t, store.state.HasPending())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "THROTTLED", StateThrottled.String())
	assert.Equal(t, "State(42)", State(42).String())
}
