// Package listener describes per-tenant message consumers and the identity
// used to track them.
package listener

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// AccountContainerKey identifies one desired consumer: the tenant account,
// the subdomain it serves and its index within that subdomain.
type AccountContainerKey struct {
	Account   string
	Subdomain string
	Index     int
}

// String renders the key as account/subdomain#index.
func (k AccountContainerKey) String() string {
	return k.Account + "/" + k.Subdomain + "#" + strconv.Itoa(k.Index)
}

// RoutingKey is the message routing key every container of a subdomain
// subscribes to.
func (k AccountContainerKey) RoutingKey() string {
	return RoutingKeyFor(k.Account, k.Subdomain)
}

// accountEscaper keeps the account part of a routing key free of dots so the
// first dot always separates account from subdomain. Escaped keys only use
// characters that are legal in Kafka topic names.
var accountEscaper = strings.NewReplacer("_", "__", ".", "_-")

// RoutingKeyFor builds the account.subdomain routing key. Distinct
// (account, subdomain) pairs always yield distinct keys.
func RoutingKeyFor(account, subdomain string) string {
	return accountEscaper.Replace(account) + "." + subdomain
}

// ParseRoutingKey splits a key built by RoutingKeyFor.
func ParseRoutingKey(key string) (account, subdomain string, ok bool) {
	escaped, subdomain, found := strings.Cut(key, ".")
	if !found {
		return "", "", false
	}

	var b strings.Builder
	for i := 0; i < len(escaped); i++ {
		if escaped[i] != '_' {
			b.WriteByte(escaped[i])
			continue
		}
		if i+1 == len(escaped) {
			return "", "", false
		}
		i++
		switch escaped[i] {
		case '_':
			b.WriteByte('_')
		case '-':
			b.WriteByte('.')
		default:
			return "", "", false
		}
	}
	return b.String(), subdomain, true
}

// Consumer is the capability set the registry needs from a message consumer,
// whether it is backed by a broker client or a test double.
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Shutdown releases the consumer's resources. It must not be called
	// while the consumer is running.
	Shutdown(ctx context.Context) error
	IsRunning() bool
	RoutingKey() string
}

// ErrorHandler receives errors raised from a consumer's message handling path.
type ErrorHandler func(ctx context.Context, err error)

// ConsumerFactory builds consumers bound to a routing key and target host.
type ConsumerFactory interface {
	Create(ctx context.Context, routingKey, host string, onError ErrorHandler) (Consumer, error)
}

// HostResolver maps a tenant to the host its consumers connect to. It must be
// deterministic across calls and restarts.
type HostResolver interface {
	Resolve(account string) string
}

// Message is a single delivery received by a consumer.
type Message struct {
	RoutingKey string
	Key        []byte
	Body       []byte
	Headers    map[string]string
}

// MessageHandler processes one delivery.
type MessageHandler interface {
	Handle(ctx context.Context, msg Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg Message) error

func (f MessageHandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// ContainerCreateError reports that a consumer for Key could not be built or
// started. The key stays absent so the next reconciliation retries it.
type ContainerCreateError struct {
	Key AccountContainerKey
	Err error
}

func (e *ContainerCreateError) Error() string {
	return fmt.Sprintf("creating container %s: %v", e.Key, e.Err)
}

func (e *ContainerCreateError) Unwrap() error { return e.Err }

// ContainerTeardownError reports a failed stop or shutdown. The key is
// removed from the registry regardless.
type ContainerTeardownError struct {
	Key   AccountContainerKey
	Phase string
	Err   error
}

func (e *ContainerTeardownError) Error() string {
	return fmt.Sprintf("tearing down container %s (%s): %v", e.Key, e.Phase, e.Err)
}

func (e *ContainerTeardownError) Unwrap() error { return e.Err }
