package eventsourcing

import (
	"time"

	"github.com/google/uuid"
)

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}

// Message is the base carrier for everything that flows through the system.
type Message interface {
	// MessageID returns the unique identifier of this message.
	MessageID() string

	// CreatedAt returns when the message was created.
	CreatedAt() time.Time
}

// Command represents an intention to change the system state.
// A command carries exactly one target aggregate.
type Command interface {
	Message

	// CommandType returns the stable type tag of the command.
	// Handlers and the serializer registry are keyed by this tag.
	CommandType() string

	// TargetID returns the ID of the aggregate this command targets.
	TargetID() string
}

// Event represents a fact that has occurred. Events carry no target.
type Event interface {
	Message

	// EventType returns the stable type tag of the event.
	EventType() string
}

// VersionedEvent is an event produced by an aggregate stream.
// For any (SourceID, SourceType) the persisted versions form a contiguous
// sequence {1..N} with no gaps and no duplicates.
type VersionedEvent interface {
	Event

	// SourceID returns the ID of the aggregate that emitted this event.
	SourceID() string

	// SourceType returns the kind of the emitting aggregate.
	SourceType() string

	// Version returns the aggregate version after applying this event.
	Version() int64

	// CorrelationID links the event back to the triggering command.
	CorrelationID() string

	// SetSource stamps the stream coordinates. Called by the aggregate
	// base when the event is emitted; not for application use.
	SetSource(sourceID, sourceType string, version int64)

	// SetCorrelationID stamps the correlation id. Called by the event
	// store during save.
	SetCorrelationID(correlationID string)
}

// MessageBase provides identity and creation time for messages.
// Embed it in concrete command and event types.
type MessageBase struct {
	ID   string    `json:"id"`
	Date time.Time `json:"creation_date"`
}

// NewMessageBase creates a message base with a fresh unique id.
func NewMessageBase() MessageBase {
	return MessageBase{
		ID:   uuid.NewString(),
		Date: Now(),
	}
}

// MessageID implements Message.
func (m *MessageBase) MessageID() string { return m.ID }

// CreatedAt implements Message.
func (m *MessageBase) CreatedAt() time.Time { return m.Date }

// CommandBase provides the command half of the Message contract.
// Concrete commands embed it and implement CommandType.
type CommandBase struct {
	MessageBase
	Target string `json:"target_id"`
}

// NewCommandBase creates a command base targeting the given aggregate.
func NewCommandBase(targetID string) CommandBase {
	return CommandBase{
		MessageBase: NewMessageBase(),
		Target:      targetID,
	}
}

// TargetID implements Command.
func (c *CommandBase) TargetID() string { return c.Target }

// EventBase provides the versioned-event half of the Message contract.
// Concrete events embed it and implement EventType.
type EventBase struct {
	MessageBase
	Source      string `json:"source_id"`
	Kind        string `json:"source_type"`
	Ver         int64  `json:"version"`
	Correlation string `json:"correlation_id"`
}

// NewEventBase creates an event base. Stream coordinates are stamped by
// the aggregate when the event is emitted through Update.
func NewEventBase() EventBase {
	return EventBase{MessageBase: NewMessageBase()}
}

// SourceID implements VersionedEvent.
func (e *EventBase) SourceID() string { return e.Source }

// SourceType implements VersionedEvent.
func (e *EventBase) SourceType() string { return e.Kind }

// Version implements VersionedEvent.
func (e *EventBase) Version() int64 { return e.Ver }

// CorrelationID implements VersionedEvent.
func (e *EventBase) CorrelationID() string { return e.Correlation }

// SetSource implements VersionedEvent.
func (e *EventBase) SetSource(sourceID, sourceType string, version int64) {
	e.Source = sourceID
	e.Kind = sourceType
	e.Ver = version
}

// SetCorrelationID implements VersionedEvent.
func (e *EventBase) SetCorrelationID(correlationID string) {
	e.Correlation = correlationID
}

// Envelope wraps a message with its delivery metadata.
type Envelope struct {
	// Message is the wrapped payload.
	Message Message

	// MessageID mirrors Message.MessageID for handlers that only need
	// the identity.
	MessageID string

	// CorrelationID is the identifier of the originating command.
	CorrelationID string

	// TraceID is a human-readable identifier for this delivery.
	TraceID string
}

// NewEnvelope wraps a message with delivery metadata.
func NewEnvelope(msg Message, correlationID, traceID string) Envelope {
	return Envelope{
		Message:       msg,
		MessageID:     msg.MessageID(),
		CorrelationID: correlationID,
		TraceID:       traceID,
	}
}

// CorrelationFrom derives the correlation id carried into events produced
// while handling the given message: a command correlates by its own id, a
// versioned event propagates the correlation of its triggering command.
func CorrelationFrom(msg Message) string {
	switch m := msg.(type) {
	case Command:
		return m.MessageID()
	case VersionedEvent:
		if m.CorrelationID() != "" {
			return m.CorrelationID()
		}
		return m.MessageID()
	default:
		return msg.MessageID()
	}
}
