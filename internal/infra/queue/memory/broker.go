package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/audit-mill/internal/domain/listener"
)

// ErrNoConsumer is returned by Publish when no running consumer is bound to
// the routing key.
var ErrNoConsumer = errors.New("no running consumer for routing key")

var _ listener.ConsumerFactory = (*Broker)(nil)

// Broker routes messages by routing key to the consumers it created. Like a
// consumer group, each message goes to exactly one running consumer of the
// key, chosen round-robin.
type Broker struct {
	handler listener.MessageHandler

	mu        sync.Mutex
	consumers map[string][]*Consumer
	next      map[string]int
}

// NewBroker creates a broker delivering to handler.
func NewBroker(handler listener.MessageHandler) *Broker {
	return &Broker{
		handler:   handler,
		consumers: make(map[string][]*Consumer),
		next:      make(map[string]int),
	}
}

// Create registers a stopped consumer for routingKey. The host is recorded
// but otherwise ignored.
func (b *Broker) Create(
	ctx context.Context,
	routingKey, host string,
	onError listener.ErrorHandler,
) (listener.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Consumer{broker: b, routingKey: routingKey, host: host, onError: onError}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[routingKey] = append(b.consumers[routingKey], c)
	return c, nil
}

// Publish delivers msg to one running consumer of msg.RoutingKey. Handler
// errors go to that consumer's error handler, not to the caller.
func (b *Broker) Publish(ctx context.Context, msg listener.Message) error {
	c := b.pick(msg.RoutingKey)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoConsumer, msg.RoutingKey)
	}
	if err := b.handler.Handle(ctx, msg); err != nil && c.onError != nil {
		c.onError(ctx, err)
	}
	return nil
}

// Consumers returns how many consumers are registered for routingKey.
func (b *Broker) Consumers(routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers[routingKey])
}

func (b *Broker) pick(routingKey string) *Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumers[routingKey]
	for range cs {
		i := b.next[routingKey] % len(cs)
		b.next[routingKey] = i + 1
		if cs[i].IsRunning() {
			return cs[i]
		}
	}
	return nil
}

func (b *Broker) remove(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumers[c.routingKey]
	for i, x := range cs {
		if x == c {
			b.consumers[c.routingKey] = append(cs[:i:i], cs[i+1:]...)
			break
		}
	}
	if len(b.consumers[c.routingKey]) == 0 {
		delete(b.consumers, c.routingKey)
		delete(b.next, c.routingKey)
	}
}

var _ listener.Consumer = (*Consumer)(nil)

// Consumer is a broker-bound listener.Consumer.
type Consumer struct {
	broker     *Broker
	routingKey string
	host       string
	onError    listener.ErrorHandler

	mu      sync.Mutex
	running bool
	closed  bool
}

func (c *Consumer) RoutingKey() string { return c.routingKey }

// Host returns the host the consumer was created for.
func (c *Consumer) Host() string { return c.host }

func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer is shut down")
	}
	c.running = true
	return nil
}

func (c *Consumer) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

// Shutdown unregisters the consumer from its broker.
func (c *Consumer) Shutdown(context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("cannot shut down a running consumer")
	}
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.remove(c)
	return nil
}
