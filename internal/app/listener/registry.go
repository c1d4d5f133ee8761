// Package listener keeps the set of per-tenant message consumers converged
// with the account policy store.
package listener

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/audit-mill/internal/domain/listener"
	"github.com/ahrav/audit-mill/internal/domain/notification"
	"github.com/ahrav/audit-mill/pkg/common/logger"
)

// containerHandle binds a running consumer to its key and resolved host.
type containerHandle struct {
	key       listener.AccountContainerKey
	consumer  listener.Consumer
	host      string
	createdAt time.Time
}

// Registry maps container keys to their consumers and owns their lifecycle.
// It is not safe for concurrent use; the Manager's worker goroutine is its
// only caller.
type Registry struct {
	factory  listener.ConsumerFactory
	resolver listener.HostResolver
	notifier notification.Notifier

	handles map[listener.AccountContainerKey]*containerHandle

	metrics ListenerMetrics
	tracer  trace.Tracer
	logger  *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(
	factory listener.ConsumerFactory,
	resolver listener.HostResolver,
	notifier notification.Notifier,
	metrics ListenerMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Registry {
	return &Registry{
		factory:  factory,
		resolver: resolver,
		notifier: notifier,
		handles:  make(map[listener.AccountContainerKey]*containerHandle),
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "listener_registry"),
	}
}

// Len returns the number of registered containers.
func (r *Registry) Len() int { return len(r.handles) }

// Running reports whether key is registered and its consumer is running.
func (r *Registry) Running(key listener.AccountContainerKey) bool {
	h, ok := r.handles[key]
	return ok && h.consumer.IsRunning()
}

// Host returns the host key's consumer was bound to.
func (r *Registry) Host(key listener.AccountContainerKey) (string, bool) {
	h, ok := r.handles[key]
	if !ok {
		return "", false
	}
	return h.host, true
}

// AllKeys returns a sorted snapshot of the registered keys.
func (r *Registry) AllKeys() []listener.AccountContainerKey {
	keys := make([]listener.AccountContainerKey, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Ensure creates and starts a consumer for key unless one is registered.
// On failure the key stays absent and *listener.ContainerCreateError is
// returned so the next reconciliation retries.
func (r *Registry) Ensure(ctx context.Context, key listener.AccountContainerKey) error {
	if _, ok := r.handles[key]; ok {
		return nil
	}

	host := r.resolver.Resolve(key.Account)
	ctx, span := r.tracer.Start(ctx, "listener_registry.ensure",
		trace.WithAttributes(
			attribute.String("container_key", key.String()),
			attribute.String("routing_key", key.RoutingKey()),
			attribute.String("host", host),
		))
	defer span.End()

	consumer, err := r.factory.Create(ctx, key.RoutingKey(), host, r.errorHandler(key))
	if err != nil {
		return r.createFailed(ctx, span, key, fmt.Errorf("building consumer: %w", err))
	}

	if err := consumer.Start(ctx); err != nil {
		// Release whatever the factory allocated; the key stays absent.
		if !consumer.IsRunning() {
			if serr := consumer.Shutdown(ctx); serr != nil {
				r.logger.Warn(ctx, "releasing consumer after failed start", "container_key", key.String(), "error", serr)
			}
		}
		return r.createFailed(ctx, span, key, fmt.Errorf("starting consumer: %w", err))
	}

	r.handles[key] = &containerHandle{key: key, consumer: consumer, host: host, createdAt: time.Now()}
	r.metrics.IncContainersCreated(ctx)
	r.metrics.SetActiveContainers(ctx, len(r.handles))
	span.SetStatus(codes.Ok, "container started")
	r.logger.Info(ctx, "container started", "container_key", key.String(), "host", host)

	return nil
}

func (r *Registry) createFailed(
	ctx context.Context,
	span trace.Span,
	key listener.AccountContainerKey,
	err error,
) error {
	createErr := &listener.ContainerCreateError{Key: key, Err: err}
	span.RecordError(createErr)
	span.SetStatus(codes.Error, "container create failed")
	r.metrics.IncContainerCreateErrors(ctx)
	r.logger.Error(ctx, "container create failed, will retry next reconciliation",
		"container_key", key.String(), "error", err)
	r.notifier.Notify(ctx, notification.Event{
		Subject:    "Listener container failed to start",
		Message:    createErr.Error(),
		Severity:   notification.SeverityError,
		Audience:   notification.AudienceTechnical,
		Attributes: keyAttributes(key),
		OccurredAt: time.Now(),
	})
	return createErr
}

// Retire stops and shuts down key's consumer and removes it. Teardown is
// best effort: the key is removed even if stop or shutdown fail, and
// Shutdown is skipped for a consumer that is still running.
func (r *Registry) Retire(ctx context.Context, key listener.AccountContainerKey) error {
	h, ok := r.handles[key]
	if !ok {
		return nil
	}
	delete(r.handles, key)
	r.metrics.SetActiveContainers(ctx, len(r.handles))

	ctx, span := r.tracer.Start(ctx, "listener_registry.retire",
		trace.WithAttributes(
			attribute.String("container_key", key.String()),
			attribute.String("host", h.host),
		))
	defer span.End()

	var errs []error
	if h.consumer.IsRunning() {
		if err := h.consumer.Stop(ctx); err != nil {
			errs = append(errs, &listener.ContainerTeardownError{Key: key, Phase: "stop", Err: err})
		}
	}

	if h.consumer.IsRunning() {
		errs = append(errs, &listener.ContainerTeardownError{
			Key:   key,
			Phase: "shutdown",
			Err:   errors.New("consumer still running after stop, leaving it"),
		})
	} else if err := h.consumer.Shutdown(ctx); err != nil {
		errs = append(errs, &listener.ContainerTeardownError{Key: key, Phase: "shutdown", Err: err})
	}

	r.metrics.IncContainersRetired(ctx)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.metrics.IncContainerTeardownErrors(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown incomplete")
		r.logger.Error(ctx, "container teardown incomplete, removed anyway",
			"container_key", key.String(), "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "container retired")
	r.logger.Info(ctx, "container retired", "container_key", key.String())
	return nil
}

// InitAll ensures every key. Individual failures are collected; the keys
// that did start stay registered.
func (r *Registry) InitAll(ctx context.Context, keys []listener.AccountContainerKey) error {
	var errs []error
	for _, k := range keys {
		if err := r.Ensure(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DestroyAll retires every registered key.
func (r *Registry) DestroyAll(ctx context.Context) error {
	var errs []error
	for _, k := range r.AllKeys() {
		if err := r.Retire(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// errorHandler is handed to each consumer for failures raised while handling
// messages. The consumer keeps running.
func (r *Registry) errorHandler(key listener.AccountContainerKey) listener.ErrorHandler {
	return func(ctx context.Context, err error) {
		r.metrics.IncConsumerErrors(ctx)
		r.logger.Error(ctx, "consumer error", "container_key", key.String(), "error", err)
		r.notifier.Notify(ctx, notification.Event{
			Subject:    "Listener consumer error",
			Message:    err.Error(),
			Severity:   notification.SeverityError,
			Audience:   notification.AudienceTechnical,
			Attributes: keyAttributes(key),
			OccurredAt: time.Now(),
		})
	}
}

func keyAttributes(key listener.AccountContainerKey) map[string]string {
	return map[string]string{
		"account":       key.Account,
		"subdomain":     key.Subdomain,
		"container_key": key.String(),
	}
}

func compareKeys(a, b listener.AccountContainerKey) int {
	if c := strings.Compare(a.Account, b.Account); c != 0 {
		return c
	}
	if c := strings.Compare(a.Subdomain, b.Subdomain); c != 0 {
		return c
	}
	return a.Index - b.Index
}
