package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Worker states reported by Status.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// ErrWorkerRunning is returned when a rebuild is requested while the worker
// is processing; rebuilds need exclusive ownership of the stores.
var ErrWorkerRunning = errors.New("worker is running")

// RebuildFunc performs one rebuild. The worker guarantees it never runs
// while processing is active.
type RebuildFunc func(ctx context.Context) error

// Worker is the control surface of the processing core. An external
// collaborator (HTTP, RPC, CLI - framing is its concern) drives the five
// actions as plain method calls: status, start, stop, rebuild-read-model,
// rebuild-event-store.
type Worker struct {
	mu      sync.Mutex
	running bool

	name              string
	start             func(ctx context.Context) error
	stop              func(ctx context.Context) error
	rebuildReadModel  RebuildFunc
	rebuildEventStore RebuildFunc
	logger            Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithStartHook runs when the worker starts, before it reports running.
func WithStartHook(fn func(ctx context.Context) error) WorkerOption {
	return func(w *Worker) { w.start = fn }
}

// WithStopHook runs when the worker stops.
func WithStopHook(fn func(ctx context.Context) error) WorkerOption {
	return func(w *Worker) { w.stop = fn }
}

// WithReadModelRebuild installs the read-model rebuild action.
func WithReadModelRebuild(fn RebuildFunc) WorkerOption {
	return func(w *Worker) { w.rebuildReadModel = fn }
}

// WithEventStoreRebuild installs the event-store rebuild action.
func WithEventStoreRebuild(fn RebuildFunc) WorkerOption {
	return func(w *Worker) { w.rebuildEventStore = fn }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a stopped worker.
func NewWorker(name string, opts ...WorkerOption) *Worker {
	w := &Worker{
		name:   name,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name implements Service.
func (w *Worker) Name() string { return w.name }

// Status reports the worker state.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return StatusRunning
	}
	return StatusStopped
}

// Start implements Service. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if w.start != nil {
		if err := w.start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", w.name, err)
		}
	}
	w.running = true
	w.logger.Info("worker started", "worker", w.name)
	return nil
}

// Stop implements Service. Stopping a stopped worker is a no-op.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	if w.stop != nil {
		if err := w.stop(ctx); err != nil {
			return fmt.Errorf("stop %s: %w", w.name, err)
		}
	}
	w.running = false
	w.logger.Info("worker stopped", "worker", w.name)
	return nil
}

// RebuildReadModel replays the message log into the read model. Refused
// while the worker is running.
func (w *Worker) RebuildReadModel(ctx context.Context) error {
	return w.rebuild(ctx, "read model", w.rebuildReadModel)
}

// RebuildEventStore replays the message log into a truncated event store.
// Refused while the worker is running.
func (w *Worker) RebuildEventStore(ctx context.Context) error {
	return w.rebuild(ctx, "event store", w.rebuildEventStore)
}

func (w *Worker) rebuild(ctx context.Context, what string, fn RebuildFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("rebuild %s: %w", what, ErrWorkerRunning)
	}
	if fn == nil {
		return fmt.Errorf("rebuild %s: no rebuild configured", what)
	}

	w.logger.Info("rebuild started", "worker", w.name, "target", what)
	if err := fn(ctx); err != nil {
		w.logger.Error("rebuild failed", "worker", w.name, "target", what, "error", err)
		return err
	}
	w.logger.Info("rebuild complete", "worker", w.name, "target", what)
	return nil
}
