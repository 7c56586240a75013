package eventsourcing

import (
	"encoding/json"
	"fmt"
)

// Type tags for the bookkeeping events of ComplexEventSourced.
const (
	EventTypeForeignProcessed = "eventcore.ForeignEventProcessed"
	EventTypeForeignParked    = "eventcore.ForeignEventParked"
)

// maxParked bounds the parked-event list of one aggregate.
const maxParked = 128

// ForeignKey identifies one foreign event stream as seen by a consumer.
type ForeignKey struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	EventType  string `json:"event_type"`
}

func foreignKeyOf(evt VersionedEvent) ForeignKey {
	return ForeignKey{
		SourceType: evt.SourceType(),
		SourceID:   evt.SourceID(),
		EventType:  evt.EventType(),
	}
}

// ForeignEventProcessed records that a foreign event was consumed. On
// rehydrate it advances the per-stream cursor and unparks the consumed copy.
type ForeignEventProcessed struct {
	EventBase
	Key            ForeignKey `json:"key"`
	ForeignVersion int64      `json:"foreign_version"`
}

// EventType implements Event.
func (e *ForeignEventProcessed) EventType() string { return EventTypeForeignProcessed }

// ForeignEventParked records a foreign event that arrived early. The full
// serialized event travels with it so rehydration restores the parked list.
type ForeignEventParked struct {
	EventBase
	Key            ForeignKey      `json:"key"`
	ForeignVersion int64           `json:"foreign_version"`
	Foreign        json.RawMessage `json:"foreign"`
}

// EventType implements Event.
func (e *ForeignEventParked) EventType() string { return EventTypeForeignParked }

// RegisterComplexTypes registers the bookkeeping events with a message
// registry so they survive serialization.
func RegisterComplexTypes(registry *Registry) {
	registry.Register(EventTypeForeignProcessed, func() Message { return &ForeignEventProcessed{} })
	registry.Register(EventTypeForeignParked, func() Message { return &ForeignEventParked{} })
}

// ForeignHandler applies one in-order foreign event to domain state.
// Domain effects that must survive rehydration are emitted through Update
// from inside the handler; the handler itself runs exactly once per
// (stream, version), strictly in version order.
type ForeignHandler func(VersionedEvent)

// ComplexEventSourced extends EventSourced with per-foreign-stream ordered,
// idempotent event consumption. Early events are parked until their turn.
type ComplexEventSourced struct {
	*EventSourced

	serializer    Serializer
	foreign       map[string]ForeignHandler
	lastProcessed map[ForeignKey]int64
	parked        []VersionedEvent
}

// NewComplexEventSourced creates a complex aggregate base. The serializer
// round-trips parked foreign events through the bookkeeping event payload.
func NewComplexEventSourced(id, sourceType string, serializer Serializer) *ComplexEventSourced {
	c := &ComplexEventSourced{
		EventSourced:  NewEventSourced(id, sourceType),
		serializer:    serializer,
		foreign:       make(map[string]ForeignHandler),
		lastProcessed: make(map[ForeignKey]int64),
	}
	c.RegisterRehydrator(EventTypeForeignProcessed, c.rehydrateProcessed)
	c.RegisterRehydrator(EventTypeForeignParked, c.rehydrateParked)
	return c
}

// RegisterForeignHandler associates a (sourceType, eventType) pair with its
// domain handler.
func (c *ComplexEventSourced) RegisterForeignHandler(sourceType, eventType string, fn ForeignHandler) {
	key := sourceType + "/" + eventType
	if _, exists := c.foreign[key]; exists {
		panic(fmt.Sprintf("foreign handler already registered: %s", key))
	}
	c.foreign[key] = fn
}

// LastProcessed returns the cursor for a foreign stream (0 when unseen).
func (c *ComplexEventSourced) LastProcessed(k ForeignKey) int64 {
	return c.lastProcessed[k]
}

// ParkedCount returns the number of currently parked foreign events.
func (c *ComplexEventSourced) ParkedCount() int { return len(c.parked) }

// TryProcessForeign consumes a foreign versioned event. It returns true
// when the event (and possibly parked successors) was applied to domain
// state, false when it was a duplicate or had to be parked.
func (c *ComplexEventSourced) TryProcessForeign(evt VersionedEvent) (bool, error) {
	k := foreignKeyOf(evt)
	v := evt.Version()
	last := c.lastProcessed[k]

	switch {
	case v <= last:
		// Duplicate: already consumed, no side effects.
		return false, nil

	case v == last+1:
		c.processForeign(k, evt)
		c.drainParked(k)
		return true, nil

	default:
		// Early: park unless an identical copy is already waiting.
		if c.isParked(k, v) {
			return false, nil
		}
		if len(c.parked) >= maxParked {
			return false, fmt.Errorf("parked event limit reached for %s/%s", c.SourceType(), c.ID())
		}
		raw, err := Marshal(c.serializer, evt)
		if err != nil {
			return false, err
		}
		parked := &ForeignEventParked{
			EventBase:      NewEventBase(),
			Key:            k,
			ForeignVersion: v,
			Foreign:        raw,
		}
		c.Update(parked)
		return false, nil
	}
}

func (c *ComplexEventSourced) processForeign(k ForeignKey, evt VersionedEvent) {
	fn, ok := c.foreign[k.SourceType+"/"+k.EventType]
	if !ok {
		panic(fmt.Sprintf("no foreign handler registered for %s/%s on %s",
			k.SourceType, k.EventType, c.SourceType()))
	}
	fn(evt)

	c.Update(&ForeignEventProcessed{
		EventBase:      NewEventBase(),
		Key:            k,
		ForeignVersion: evt.Version(),
	})
}

// drainParked repeatedly consumes parked events that have become in-order.
func (c *ComplexEventSourced) drainParked(k ForeignKey) {
	for {
		next := c.findParked(k, c.lastProcessed[k]+1)
		if next == nil {
			return
		}
		c.processForeign(k, next)
	}
}

func (c *ComplexEventSourced) findParked(k ForeignKey, version int64) VersionedEvent {
	for _, evt := range c.parked {
		if foreignKeyOf(evt) == k && evt.Version() == version {
			return evt
		}
	}
	return nil
}

func (c *ComplexEventSourced) isParked(k ForeignKey, version int64) bool {
	return c.findParked(k, version) != nil
}

func (c *ComplexEventSourced) rehydrateProcessed(evt VersionedEvent) {
	e := evt.(*ForeignEventProcessed)
	c.lastProcessed[e.Key] = e.ForeignVersion

	for i, parked := range c.parked {
		if foreignKeyOf(parked) == e.Key && parked.Version() == e.ForeignVersion {
			c.parked = append(c.parked[:i], c.parked[i+1:]...)
			break
		}
	}
}

func (c *ComplexEventSourced) rehydrateParked(evt VersionedEvent) {
	e := evt.(*ForeignEventParked)
	foreign, err := Unmarshal(c.serializer, e.Foreign)
	if err != nil {
		// The parked payload was written by this process; failure to
		// decode it means corrupted history.
		panic(fmt.Sprintf("corrupted parked event on %s/%s: %v", c.SourceType(), c.ID(), err))
	}
	c.parked = append(c.parked, foreign.(VersionedEvent))
}
