package eventsourcing

import "fmt"

// Aggregate is the surface the event store needs from any event-sourced
// aggregate. State is fully determined by the ordered event sequence.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// SourceType returns the aggregate kind, stamped on every event.
	SourceType() string

	// Version returns the last applied version.
	Version() int64

	// LoadFrom rehydrates state by applying historical events in order.
	LoadFrom(history []VersionedEvent) error

	// DrainPending returns not-yet-persisted events in insertion order
	// and clears the list. Used by the event store only.
	DrainPending() []VersionedEvent
}

// Rehydrator applies one event of a known type to aggregate state.
// Rehydrators must not emit further events.
type Rehydrator func(VersionedEvent)

// EventSourced provides base functionality for event-sourced aggregates.
// Embed it and register a rehydrator per event type in the constructor.
//
// Aggregates are single-threaded per processing round: one command is
// processed end-to-end before the next begins, so no lock is held here.
type EventSourced struct {
	id          string
	sourceType  string
	version     int64
	pending     []VersionedEvent
	rehydrators map[string]Rehydrator
}

// NewEventSourced creates an aggregate base with the given identity.
func NewEventSourced(id, sourceType string) *EventSourced {
	return &EventSourced{
		id:          id,
		sourceType:  sourceType,
		rehydrators: make(map[string]Rehydrator),
	}
}

// ID implements Aggregate.
func (a *EventSourced) ID() string { return a.id }

// SourceType implements Aggregate.
func (a *EventSourced) SourceType() string { return a.sourceType }

// Version implements Aggregate.
func (a *EventSourced) Version() int64 { return a.version }

// RegisterRehydrator associates an event type tag with its rehydrator.
func (a *EventSourced) RegisterRehydrator(eventType string, fn Rehydrator) {
	if _, exists := a.rehydrators[eventType]; exists {
		panic(fmt.Sprintf("rehydrator already registered: %s", eventType))
	}
	a.rehydrators[eventType] = fn
}

// LoadFrom applies events in ascending version order. The history must be
// contiguous with the current version; a gap means corrupted history.
func (a *EventSourced) LoadFrom(history []VersionedEvent) error {
	for _, evt := range history {
		if evt.Version() != a.version+1 {
			return fmt.Errorf("%w: %s/%s expected version %d, got %d",
				ErrRehydrationMismatch, a.sourceType, a.id, a.version+1, evt.Version())
		}
		a.apply(evt)
		a.version = evt.Version()
	}
	return nil
}

// Update emits a new event: stamps its stream coordinates, applies it to
// state and appends it to the pending list.
func (a *EventSourced) Update(evt VersionedEvent) {
	evt.SetSource(a.id, a.sourceType, a.version+1)
	a.apply(evt)
	a.pending = append(a.pending, evt)
	a.version++
}

// DrainPending implements Aggregate.
func (a *EventSourced) DrainPending() []VersionedEvent {
	pending := a.pending
	a.pending = nil
	return pending
}

// RestoreVersion resets the applied version. Called by memento originators
// when restoring state from a snapshot.
func (a *EventSourced) RestoreVersion(version int64) {
	a.version = version
}

func (a *EventSourced) apply(evt VersionedEvent) {
	fn, ok := a.rehydrators[evt.EventType()]
	if !ok {
		// A missing rehydrator is a programming error, not a runtime
		// condition the caller can recover from.
		panic(fmt.Sprintf("no rehydrator registered for %s on %s", evt.EventType(), a.sourceType))
	}
	fn(evt)
}

// Memento is an opaque snapshot of aggregate state at a given version.
// Only the owning aggregate type knows how to decode State.
type Memento struct {
	SourceID   string
	SourceType string
	Version    int64
	State      []byte
}

// MementoOriginator is the capability an aggregate exposes to participate
// in snapshotting.
type MementoOriginator interface {
	// Memento serializes the current state.
	Memento() (*Memento, error)

	// RestoreMemento replaces state with the snapshot's and resets the
	// version to the snapshot's version.
	RestoreMemento(m *Memento) error
}
