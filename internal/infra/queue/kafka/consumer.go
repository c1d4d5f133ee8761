package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/infra/queue/kafka/tracing"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// GroupFactory opens a consumer group. sarama.NewConsumerGroup matches it.
type GroupFactory func(brokers []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error)

// ConsumerConfig describes how routing keys map onto topics and groups.
type ConsumerConfig struct {
	// Brokers are used when the host resolver returns no host.
	Brokers []string
	// TopicPrefix is joined with the routing key to name the topic a
	// consumer subscribes to.
	TopicPrefix string
	// GroupPrefix is joined with the routing key to name the consumer group.
	// Containers of one subdomain share a group and split its partitions.
	GroupPrefix string
	ClientID    string
}

// TopicFor returns the topic carrying messages for routingKey.
func (c ConsumerConfig) TopicFor(routingKey string) string { return c.TopicPrefix + "." + routingKey }

// GroupFor returns the consumer group for routingKey.
func (c ConsumerConfig) GroupFor(routingKey string) string { return c.GroupPrefix + "." + routingKey }

var _ listener.ConsumerFactory = (*ConsumerFactory)(nil)

// ConsumerFactory builds Kafka consumers that hand every message to handler.
type ConsumerFactory struct {
	cfg      ConsumerConfig
	handler  listener.MessageHandler
	newGroup GroupFactory

	logger *logger.Logger
	tracer trace.Tracer
}

// NewConsumerFactory creates a factory. A nil newGroup uses sarama.NewConsumerGroup.
func NewConsumerFactory(
	cfg ConsumerConfig,
	handler listener.MessageHandler,
	newGroup GroupFactory,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ConsumerFactory {
	if newGroup == nil {
		newGroup = sarama.NewConsumerGroup
	}
	return &ConsumerFactory{
		cfg:      cfg,
		handler:  handler,
		newGroup: newGroup,
		logger:   logger.With("component", "kafka_consumer_factory"),
		tracer:   tracer,
	}
}

// Create opens a consumer group for routingKey against host, a comma
// separated broker list. The consumer is returned stopped.
func (f *ConsumerFactory) Create(
	ctx context.Context,
	routingKey, host string,
	onError listener.ErrorHandler,
) (listener.Consumer, error) {
	_, span := f.tracer.Start(ctx, "kafka_consumer_factory.create",
		trace.WithAttributes(
			attribute.String("routing_key", routingKey),
			attribute.String("host", host),
		))
	defer span.End()

	brokers := f.cfg.Brokers
	if host != "" {
		brokers = strings.Split(host, ",")
	}
	if len(brokers) == 0 {
		err := errors.New("no brokers to connect to")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	group, err := f.newGroup(brokers, f.cfg.GroupFor(routingKey), NewConfig(f.cfg.ClientID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open consumer group")
		return nil, fmt.Errorf("failed to open consumer group for %s: %w", routingKey, err)
	}

	c := &Consumer{
		routingKey: routingKey,
		topic:      f.cfg.TopicFor(routingKey),
		group:      group,
		handler:    f.handler,
		onError:    onError,
		logger:     f.logger.With("routing_key", routingKey, "host", host),
		tracer:     f.tracer,
	}
	go c.forwardGroupErrors()

	span.AddEvent("consumer_created")
	return c, nil
}

var _ listener.Consumer = (*Consumer)(nil)

// Consumer runs one consumer group session loop for a routing key.
type Consumer struct {
	routingKey string
	topic      string
	group      sarama.ConsumerGroup
	handler    listener.MessageHandler
	onError    listener.ErrorHandler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool

	logger *logger.Logger
	tracer trace.Tracer
}

func (c *Consumer) RoutingKey() string { return c.routingKey }

func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start begins consuming. The loop outlives ctx and ends on Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer is shut down")
	}
	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.consumeLoop(runCtx, c.done)

	c.logger.Info(ctx, "Consumer started", "topic", c.topic)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	h := &claimHandler{
		routingKey: c.routingKey,
		handler:    c.handler,
		onError:    c.onError,
		logger:     c.logger,
		tracer:     c.tracer,
	}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.reportError(ctx, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) forwardGroupErrors() {
	for err := range c.group.Errors() {
		c.reportError(context.Background(), err)
	}
}

func (c *Consumer) reportError(ctx context.Context, err error) {
	if c.onError != nil {
		c.onError(ctx, err)
		return
	}
	c.logger.Error(ctx, "Consumer error", "error", err)
}

// Stop ends the session loop and waits for it to leave the group session.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumer %s to stop: %w", c.routingKey, ctx.Err())
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.logger.Info(ctx, "Consumer stopped")
	return nil
}

// Shutdown closes the consumer group. The consumer must be stopped first.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("cannot shut down a running consumer")
	}
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group %s: %w", c.routingKey, err)
	}
	return nil
}

// claimHandler implements sarama.ConsumerGroupHandler.
type claimHandler struct {
	routingKey string
	handler    listener.MessageHandler
	onError    listener.ErrorHandler

	logger *logger.Logger
	tracer trace.Tracer
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Debug(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Debug(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands each message to the handler. Handler failures go to the
// error handler and the message is still marked; redelivery is not attempted.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(sess, msg)
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *claimHandler) handle(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	headers := make(map[string]string, len(msg.Headers))
	for _, rh := range msg.Headers {
		if rh != nil {
			headers[string(rh.Key)] = string(rh.Value)
		}
	}

	err := h.handler.Handle(msgCtx, listener.Message{
		RoutingKey: h.routingKey,
		Key:        msg.Key,
		Body:       msg.Value,
		Headers:    headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		if h.onError != nil {
			h.onError(msgCtx, err)
		}
	}
	sess.MarkMessage(msg, "")
}
