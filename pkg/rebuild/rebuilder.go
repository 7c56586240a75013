// Package rebuild reconstructs the event store from the durable message
// log. Replaying the log in id order through the same handlers that
// produced the original events yields a byte-equivalent store, so a rebuild
// is the recovery path for corrupted or migrated event data.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/store/sqlite"
)

// Round is the per-rebuild processing environment handed to the setup
// callback: a store bound to the rebuild transaction, the processor and
// dispatcher to register domain handlers on, and the in-memory bus that
// collects messages handlers generate mid-replay.
type Round struct {
	Store      *sqlite.Store
	Processor  *eventsourcing.CommandProcessor
	Dispatcher eventsourcing.EventDispatcher
	Bus        *eventsourcing.MemoryBus
}

// HandlerSetup registers the domain's command handlers and event handlers
// for one rebuild round. Handlers must write through round.Store so their
// effects join the rebuild transaction.
type HandlerSetup func(round *Round) error

// Rebuilder replays the message log into a truncated event store and a
// fresh audit log. The whole rebuild is two transactions, one per
// database, committed audit-first; any failure rolls back both.
type Rebuilder struct {
	store       *sqlite.Store
	log         *sqlite.MessageLog
	audit       *sqlite.AuditLog
	setup       HandlerSetup
	tracer      eventsourcing.Tracer
	logger      *slog.Logger
	metrics     *Metrics
	backoffUnit time.Duration
}

// Option configures a Rebuilder.
type Option func(*Rebuilder)

// WithTracer sets the notification tracer.
func WithTracer(tracer eventsourcing.Tracer) Option {
	return func(r *Rebuilder) { r.tracer = tracer }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Rebuilder) { r.logger = logger }
}

// WithMetrics sets the metric instruments. Nil records nothing.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Rebuilder) { r.metrics = metrics }
}

// WithRetryBackoff sets the command retry backoff unit used while
// replaying. Default one second, matching live processing.
func WithRetryBackoff(unit time.Duration) Option {
	return func(r *Rebuilder) { r.backoffUnit = unit }
}

// New creates a rebuilder over the store whose message log is the source,
// the fresh audit log that will record the replay, and the setup callback
// that wires the domain's handlers for the round.
func New(store *sqlite.Store, audit *sqlite.AuditLog, setup HandlerSetup, opts ...Option) *Rebuilder {
	r := &Rebuilder{
		store:       store,
		log:         sqlite.NewMessageLog(store),
		audit:       audit,
		setup:       setup,
		tracer:      eventsourcing.NopTracer(),
		logger:      slog.Default(),
		backoffUnit: time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rebuild replays the message log. Deterministic: the same log contents
// always produce the same event store. Idempotent: replayed messages are
// suppressed through the audit keys, so running twice changes nothing.
func (r *Rebuilder) Rebuild(ctx context.Context) (err error) {
	started := time.Now()
	defer func() { r.metrics.recordDuration(ctx, time.Since(started), err) }()

	// Snapshot the source log before opening the store transaction. The
	// log is read through its own connection; buffering it first keeps the
	// replay off the transaction's connection while statements execute.
	var source []sqlite.LoggedMessage
	if err := r.log.ForEach(ctx, func(m sqlite.LoggedMessage) error {
		source = append(source, m)
		return nil
	}); err != nil {
		return err
	}

	total := int64(len(source))
	r.metrics.recordTotal(ctx, total)
	r.tracer.Trace("rebuilding event store from %d message(s)", total)
	r.logger.Info("event store rebuild started", slog.Int64("messages", total))

	storeTx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store transaction: %w", err)
	}
	defer storeTx.Rollback()

	auditTx, err := r.audit.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer auditTx.Rollback()

	// Saves made by replay handlers must join the store transaction and
	// publish onto the round's in-memory bus, where the drain loop picks
	// the messages up.
	bus := eventsourcing.NewMemoryBus()
	bound := r.store.WithTx(storeTx).WithBuses(bus, bus)
	if err := bound.TruncateForRebuild(ctx); err != nil {
		return err
	}

	// Clear whatever the audit table held before replaying: a leftover key
	// would suppress a message the truncated store no longer has.
	if _, err := auditTx.ExecContext(ctx, `DELETE FROM processed_messages`); err != nil {
		return fmt.Errorf("truncate audit log: %w", err)
	}

	round := &Round{
		Store: bound,
		Processor: eventsourcing.NewCommandProcessor(
			eventsourcing.WithProcessorLogger(r.logger),
			eventsourcing.WithRetryBackoff(r.backoffUnit),
		),
		Dispatcher: eventsourcing.NewSyncEventDispatcher(r.tracer),
		Bus:        bus,
	}
	if err := r.setup(round); err != nil {
		return fmt.Errorf("handler setup: %w", err)
	}

	replay := &replayState{
		round:   round,
		seen:    make(map[string]bool),
		metrics: r.metrics,
	}

	for _, logged := range source {
		msg, err := eventsourcing.Unmarshal(r.store.Serializer(), logged.Payload)
		if err != nil {
			return err
		}
		if err := replay.process(ctx, msg, false); err != nil {
			return err
		}
		if err := replay.drain(ctx); err != nil {
			return err
		}
	}

	// The replayed keys land in the audit log inside its own transaction,
	// committed before the store so a crash between the two leaves a
	// replayable audit rather than an unaudited store.
	for _, msg := range replay.processed {
		if err := r.audit.SaveTx(ctx, auditTx, msg); err != nil {
			return err
		}
	}

	if err := auditTx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	if err := storeTx.Commit(); err != nil {
		return fmt.Errorf("commit store transaction: %w", err)
	}

	r.tracer.Trace("event store rebuild complete: %d processed, %d skipped",
		len(replay.processed), replay.skipped)
	r.logger.Info("event store rebuild complete",
		slog.Int("processed", len(replay.processed)),
		slog.Int64("skipped", replay.skipped),
	)
	return nil
}

// replayState tracks one rebuild round: which message keys have been
// applied (for duplicate suppression) and the messages to record in the
// fresh audit log at commit time.
type replayState struct {
	round     *Round
	seen      map[string]bool
	processed []eventsourcing.Message
	skipped   int64
	metrics   *Metrics
}

// process applies one message unless its audit key was already seen this
// round.
func (s *replayState) process(ctx context.Context, msg eventsourcing.Message, inner bool) error {
	key := sqlite.AuditKey(msg)
	if s.seen[key] {
		s.skipped++
		s.metrics.recordSkipped(ctx)
		return nil
	}

	s.seen[key] = true
	s.processed = append(s.processed, msg)
	s.metrics.recordProcessed(ctx, inner)

	env := eventsourcing.Envelope{Message: msg, MessageID: msg.MessageID()}
	switch msg.(type) {
	case eventsourcing.Command:
		return s.round.Processor.ProcessMessage(ctx, env)
	case eventsourcing.Event:
		return s.round.Dispatcher.Dispatch(ctx, env)
	default:
		return fmt.Errorf("%w: logged message %T is neither command nor event",
			eventsourcing.ErrSerialization, msg)
	}
}

// drain empties the in-memory bus, commands before events, looping until
// handlers stop generating new messages. Inner messages flow through the
// same duplicate suppression as logged ones.
func (s *replayState) drain(ctx context.Context) error {
	for s.round.Bus.HasNewCommands() || s.round.Bus.HasNewEvents() {
		if s.round.Bus.HasNewCommands() {
			for _, env := range s.round.Bus.DrainCommands() {
				if err := s.process(ctx, env.Message, true); err != nil {
					return err
				}
			}
			continue
		}
		for _, env := range s.round.Bus.DrainEvents() {
			if err := s.process(ctx, env.Message, true); err != nil {
				return err
			}
		}
	}
	return nil
}
