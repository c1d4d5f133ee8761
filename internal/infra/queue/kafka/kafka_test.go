package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/internal/domain/producer"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

var tracer = noop.NewTracerProvider().Tracer("test")

func testSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

type fakeOffsets struct {
	partitions    []int32
	partitionsErr error
	newest        map[int32]int64
	oldest        map[int32]int64
}

func (f *fakeOffsets) Partitions(string) ([]int32, error) { return f.partitions, f.partitionsErr }

func (f *fakeOffsets) GetOffset(_ string, p int32, t int64) (int64, error) {
	if t == sarama.OffsetNewest {
		return f.newest[p], nil
	}
	return f.oldest[p], nil
}

type fakeGroupOffsets struct {
	committed map[int32]int64
	err       error
}

func (f *fakeGroupOffsets) ListConsumerGroupOffsets(
	_ string,
	topicPartitions map[string][]int32,
) (*sarama.OffsetFetchResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := &sarama.OffsetFetchResponse{}
	for topic, parts := range topicPartitions {
		for _, p := range parts {
			off, ok := f.committed[p]
			if !ok {
				off = -1
			}
			resp.AddBlock(topic, p, &sarama.OffsetFetchResponseBlock{Offset: off, Err: sarama.ErrNoError})
		}
	}
	return resp, nil
}

func TestTaskQueue_Push(t *testing.T) {
	sp := mocks.NewSyncProducer(t, testSaramaConfig())
	defer func() { require.NoError(t, sp.Close()) }()

	task := producer.NewTask(producer.TaskTypeBitIntegrity, "acme", "primary", "photos", "c1",
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got producer.Task
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != task.ID || got.ContentID != "c1" {
			return errors.New("unexpected task body")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	q, err := NewTaskQueue(TaskQueueConfig{Topic: "tasks", WorkerGroup: "workers"}, sp,
		&fakeOffsets{}, &fakeGroupOffsets{}, logger.Noop(), tracer)
	require.NoError(t, err)

	require.NoError(t, q.Push(context.Background(), task))
	err = q.Push(context.Background(), task)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestTaskQueue_Depth(t *testing.T) {
	tests := []struct {
		name      string
		offsets   *fakeOffsets
		committed *fakeGroupOffsets
		want      int64
		wantErr   bool
	}{
		{
			name: "lag summed across partitions",
			offsets: &fakeOffsets{
				partitions: []int32{0, 1},
				newest:     map[int32]int64{0: 10, 1: 7},
			},
			committed: &fakeGroupOffsets{committed: map[int32]int64{0: 4, 1: 7}},
			want:      6,
		},
		{
			name: "uncommitted partition counts from oldest",
			offsets: &fakeOffsets{
				partitions: []int32{0},
				newest:     map[int32]int64{0: 12},
				oldest:     map[int32]int64{0: 2},
			},
			committed: &fakeGroupOffsets{},
			want:      10,
		},
		{
			name:      "no partitions",
			offsets:   &fakeOffsets{},
			committed: &fakeGroupOffsets{},
			want:      0,
		},
		{
			name:      "admin failure",
			offsets:   &fakeOffsets{partitions: []int32{0}},
			committed: &fakeGroupOffsets{err: errors.New("coordinator unavailable")},
			wantErr:   true,
		},
		{
			name:      "metadata failure",
			offsets:   &fakeOffsets{partitionsErr: sarama.ErrUnknownTopicOrPartition},
			committed: &fakeGroupOffsets{},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewTaskQueue(TaskQueueConfig{Topic: "tasks", WorkerGroup: "workers"},
				mocks.NewSyncProducer(t, testSaramaConfig()), tt.offsets, tt.committed, logger.Noop(), tracer)
			require.NoError(t, err)

			depth, err := q.Depth(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, depth)
		})
	}
}

func TestNewTaskQueue_RequiresTopicAndGroup(t *testing.T) {
	_, err := NewTaskQueue(TaskQueueConfig{Topic: "tasks"}, nil, nil, nil, logger.Noop(), tracer)
	assert.Error(t, err)
}

func TestNotifier_PublishesEvent(t *testing.T) {
	sp := mocks.NewSyncProducer(t, testSaramaConfig())
	defer func() { require.NoError(t, sp.Close()) }()

	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt notification.Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Subject != "container failed" {
			return errors.New("unexpected subject")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrNotConnected)

	n := NewNotifier("notifications", sp, logger.Noop(), tracer)
	evt := notification.Event{Subject: "container failed", Severity: notification.SeverityError}
	n.Notify(context.Background(), evt)
	// A failed publish is swallowed.
	n.Notify(context.Background(), evt)
}

// fakeGroup is a sarama.ConsumerGroup feeding messages from a channel.
type fakeGroup struct {
	msgs chan *sarama.ConsumerMessage
	errs chan error

	mu        sync.Mutex
	topics    []string
	sessions  int
	closed    bool
	closeOnce sync.Once
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{msgs: make(chan *sarama.ConsumerMessage), errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, h sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.topics = topics
	g.sessions++
	g.mu.Unlock()

	sess := &fakeSession{ctx: ctx}
	if err := h.Setup(sess); err != nil {
		return err
	}
	err := h.ConsumeClaim(sess, &fakeClaim{topic: topics[0], msgs: g.msgs})
	_ = h.Cleanup(sess)
	return err
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.errs)
	})
	return nil
}

func (g *fakeGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	topic string
	msgs  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(_ context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func TestConsumerFactory_Create(t *testing.T) {
	group := newFakeGroup()
	var gotBrokers []string
	var gotGroup string
	newGroup := func(brokers []string, groupID string, _ *sarama.Config) (sarama.ConsumerGroup, error) {
		gotBrokers, gotGroup = brokers, groupID
		return group, nil
	}

	f := NewConsumerFactory(ConsumerConfig{
		Brokers:     []string{"default:9092"},
		TopicPrefix: "storage-changes",
		GroupPrefix: "mill",
		ClientID:    "test",
	}, listener.MessageHandlerFunc(func(context.Context, listener.Message) error { return nil }),
		newGroup, logger.Noop(), tracer)

	c, err := f.Create(context.Background(), "acme.primary", "k1:9092,k2:9092", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, gotBrokers)
	assert.Equal(t, "mill.acme.primary", gotGroup)
	assert.Equal(t, "acme.primary", c.RoutingKey())
	assert.False(t, c.IsRunning())

	_, err = f.Create(context.Background(), "acme.primary", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"default:9092"}, gotBrokers)
}

func TestConsumerFactory_CreateFails(t *testing.T) {
	f := NewConsumerFactory(ConsumerConfig{}, nil,
		func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
			return nil, sarama.ErrOutOfBrokers
		}, logger.Noop(), tracer)

	_, err := f.Create(context.Background(), "acme.primary", "", nil)
	assert.Error(t, err, "no brokers configured")

	_, err = f.Create(context.Background(), "acme.primary", "k1:9092", nil)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestConsumer_Lifecycle(t *testing.T) {
	group := newFakeGroup()
	received := make(chan listener.Message, 2)
	handler := listener.MessageHandlerFunc(func(_ context.Context, m listener.Message) error {
		received <- m
		if string(m.Key) == "bad" {
			return errors.New("cannot decode")
		}
		return nil
	})

	f := NewConsumerFactory(ConsumerConfig{TopicPrefix: "changes", GroupPrefix: "mill"}, handler,
		func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) { return group, nil },
		logger.Noop(), tracer)

	errs := &errorSink{}
	c, err := f.Create(context.Background(), "acme.primary", "k1:9092", errs.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())
	assert.Error(t, c.Shutdown(ctx), "shutdown while running")

	group.msgs <- &sarama.ConsumerMessage{Topic: "changes.acme.primary", Key: []byte("ok"), Value: []byte("{}"), Offset: 1}
	group.msgs <- &sarama.ConsumerMessage{Topic: "changes.acme.primary", Key: []byte("bad"), Value: []byte("x"), Offset: 2}

	first := <-received
	assert.Equal(t, "acme.primary", first.RoutingKey)
	assert.Equal(t, []byte("{}"), first.Body)
	<-received
	assert.Eventually(t, func() bool { return errs.count() == 1 }, time.Second, 5*time.Millisecond)

	group.mu.Lock()
	assert.Equal(t, []string{"changes.acme.primary"}, group.topics)
	group.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.False(t, c.IsRunning())

	require.NoError(t, c.Shutdown(ctx))
	assert.True(t, group.isClosed())
	assert.Error(t, c.Start(ctx), "start after shutdown")
}

func TestConsumer_ForwardsGroupErrors(t *testing.T) {
	group := newFakeGroup()
	f := NewConsumerFactory(ConsumerConfig{TopicPrefix: "changes", GroupPrefix: "mill"}, nil,
		func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) { return group, nil },
		logger.Noop(), tracer)

	errs := &errorSink{}
	c, err := f.Create(context.Background(), "acme.primary", "k1:9092", errs.handle)
	require.NoError(t, err)

	group.errs <- sarama.ErrRebalanceInProgress
	assert.Eventually(t, func() bool { return errs.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))
}
