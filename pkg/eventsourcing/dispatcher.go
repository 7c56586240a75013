package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/idgen"
)

// EventHandler processes one event envelope. Handlers must be idempotent
// across retries, and tolerant of concurrent execution with siblings
// handling the same event under the async dispatcher.
type EventHandler interface {
	Handle(ctx context.Context, env Envelope) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, env Envelope) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// EventDispatcher fans one event out to its registered handlers.
type EventDispatcher interface {
	Dispatch(ctx context.Context, env Envelope) error
	Register(eventType string, handler EventHandler)
	RegisterAll(handler EventHandler)
}

// dispatchRegistry holds per-type and wildcard handlers in registration
// order. Populated at startup, immutable afterwards.
type dispatchRegistry struct {
	byType   map[string][]EventHandler
	wildcard []EventHandler
}

func newDispatchRegistry() dispatchRegistry {
	return dispatchRegistry{byType: make(map[string][]EventHandler)}
}

// Register subscribes a handler to one event type.
func (r *dispatchRegistry) Register(eventType string, handler EventHandler) {
	r.byType[eventType] = append(r.byType[eventType], handler)
}

// RegisterAll subscribes a handler to every event.
func (r *dispatchRegistry) RegisterAll(handler EventHandler) {
	r.wildcard = append(r.wildcard, handler)
}

// handlersFor returns the per-type handlers followed by the wildcard ones.
func (r *dispatchRegistry) handlersFor(eventType string) []EventHandler {
	typed := r.byType[eventType]
	handlers := make([]EventHandler, 0, len(typed)+len(r.wildcard))
	handlers = append(handlers, typed...)
	handlers = append(handlers, r.wildcard...)
	return handlers
}

// stamp fills in delivery metadata on the envelope before it reaches a
// handler: the message id, the correlation id derived from the message and
// a human-readable trace id.
func stamp(env Envelope) (Envelope, Event, error) {
	evt, ok := env.Message.(Event)
	if !ok {
		return env, nil, fmt.Errorf("dispatch: %T is not an event", env.Message)
	}

	env.MessageID = evt.MessageID()
	if env.CorrelationID == "" {
		env.CorrelationID = CorrelationFrom(evt)
	}
	if env.TraceID == "" {
		env.TraceID = fmt.Sprintf("%s-%s", evt.EventType(), idgen.MustSortableID())
	}
	return env, evt, nil
}

// SyncEventDispatcher invokes every handler on the caller's goroutine, in
// registration order, with no retry. Any handler error propagates.
type SyncEventDispatcher struct {
	dispatchRegistry

	tracer Tracer
}

// NewSyncEventDispatcher creates a synchronous dispatcher.
func NewSyncEventDispatcher(tracer Tracer) *SyncEventDispatcher {
	if tracer == nil {
		tracer = NopTracer()
	}
	return &SyncEventDispatcher{
		dispatchRegistry: newDispatchRegistry(),
		tracer:           tracer,
	}
}

// Dispatch implements EventDispatcher.
func (d *SyncEventDispatcher) Dispatch(ctx context.Context, env Envelope) error {
	env, evt, err := stamp(env)
	if err != nil {
		return err
	}

	for _, handler := range d.handlersFor(evt.EventType()) {
		if err := handler.Handle(ctx, env); err != nil {
			return err
		}
	}

	d.tracer.Trace("dispatched %s (trace %s)", evt.EventType(), env.TraceID)
	return nil
}

const (
	dispatcherAttempts = 3
	dispatcherBackoff  = 50 * time.Millisecond
)

// AsyncEventDispatcher runs each handler on its own goroutine and waits for
// all of them before returning, so callers observe a synchronous boundary.
// Each handler is retried up to three times with linear backoff; a
// concurrency conflict from the event store means the event was already
// applied, so the handler is reported successful.
type AsyncEventDispatcher struct {
	dispatchRegistry

	backoffUnit time.Duration
	tracer      Tracer
	logger      *slog.Logger
}

// AsyncOption configures an AsyncEventDispatcher.
type AsyncOption func(*AsyncEventDispatcher)

// WithDispatchBackoff sets the retry backoff unit (default 50ms).
func WithDispatchBackoff(unit time.Duration) AsyncOption {
	return func(d *AsyncEventDispatcher) {
		d.backoffUnit = unit
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger *slog.Logger) AsyncOption {
	return func(d *AsyncEventDispatcher) {
		d.logger = logger
	}
}

// NewAsyncEventDispatcher creates an asynchronous dispatcher.
func NewAsyncEventDispatcher(tracer Tracer, opts ...AsyncOption) *AsyncEventDispatcher {
	if tracer == nil {
		tracer = NopTracer()
	}
	d := &AsyncEventDispatcher{
		dispatchRegistry: newDispatchRegistry(),
		backoffUnit:      dispatcherBackoff,
		tracer:           tracer,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch implements EventDispatcher.
func (d *AsyncEventDispatcher) Dispatch(ctx context.Context, env Envelope) error {
	env, evt, err := stamp(env)
	if err != nil {
		return err
	}

	handlers := d.handlersFor(evt.EventType())
	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := d.invoke(ctx, h, env, evt.EventType()); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	d.tracer.Trace("dispatched %s (trace %s)", evt.EventType(), env.TraceID)
	return nil
}

func (d *AsyncEventDispatcher) invoke(ctx context.Context, handler EventHandler, env Envelope, eventType string) error {
	var lastErr error

	for attempt := 1; attempt <= dispatcherAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, time.Duration(attempt)*d.backoffUnit); err != nil {
				return err
			}
		}

		err := handler.Handle(ctx, env)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			// Someone already applied this event; stop retrying and
			// report success.
			d.tracer.Trace("handler for %s saw a concurrency conflict, treating as processed", eventType)
			return nil
		}
		lastErr = err

		d.logger.Warn("event handler failed",
			slog.String("event_type", eventType),
			slog.String("message_id", env.MessageID),
			slog.String("correlation_id", env.CorrelationID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return lastErr
}
