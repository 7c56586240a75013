package eventsourcing

import (
	"context"
	"database/sql"
)

// EventBus publishes event envelopes to the outside world.
type EventBus interface {
	Publish(ctx context.Context, envelopes ...Envelope) error
}

// CommandBus sends command envelopes to the outside world.
type CommandBus interface {
	Send(ctx context.Context, envelopes ...Envelope) error
}

// TransactionalEventBus is the capability the event store requires: writes
// enroll in the caller's transaction so outbound events commit atomically
// with the event rows (outbox). A bus lacking this capability is rejected
// at store construction.
type TransactionalEventBus interface {
	EventBus

	PublishTx(ctx context.Context, tx *sql.Tx, envelopes ...Envelope) error
}

// TransactionalCommandBus is the command-side transactional capability.
type TransactionalCommandBus interface {
	CommandBus

	SendTx(ctx context.Context, tx *sql.Tx, envelopes ...Envelope) error
}

// MemoryBus is a single-threaded collector with two FIFO queues. It is used
// by the rebuilder and by handlers that queue further work inside the
// current processing round; commands are drained before events within a
// round. Instances are never shared across concurrent rounds, so no lock
// is held.
type MemoryBus struct {
	pendingCommands []Envelope
	pendingEvents   []Envelope
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Send implements CommandBus.
func (b *MemoryBus) Send(_ context.Context, envelopes ...Envelope) error {
	b.pendingCommands = append(b.pendingCommands, envelopes...)
	return nil
}

// Publish implements EventBus.
func (b *MemoryBus) Publish(_ context.Context, envelopes ...Envelope) error {
	b.pendingEvents = append(b.pendingEvents, envelopes...)
	return nil
}

// SendTx implements TransactionalCommandBus. The in-memory bus has no
// durable writes, so the transaction handle is ignored.
func (b *MemoryBus) SendTx(ctx context.Context, _ *sql.Tx, envelopes ...Envelope) error {
	return b.Send(ctx, envelopes...)
}

// PublishTx implements TransactionalEventBus.
func (b *MemoryBus) PublishTx(ctx context.Context, _ *sql.Tx, envelopes ...Envelope) error {
	return b.Publish(ctx, envelopes...)
}

// HasNewCommands reports whether undrained commands are queued.
func (b *MemoryBus) HasNewCommands() bool { return len(b.pendingCommands) > 0 }

// HasNewEvents reports whether undrained events are queued.
func (b *MemoryBus) HasNewEvents() bool { return len(b.pendingEvents) > 0 }

// DrainCommands returns queued commands in FIFO order and clears the queue.
func (b *MemoryBus) DrainCommands() []Envelope {
	cmds := b.pendingCommands
	b.pendingCommands = nil
	return cmds
}

// DrainEvents returns queued events in FIFO order and clears the queue.
func (b *MemoryBus) DrainEvents() []Envelope {
	events := b.pendingEvents
	b.pendingEvents = nil
	return events
}
