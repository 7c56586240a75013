// Package nats is a JetStream-backed implementation of the outbound event
// bus: durable at-least-once delivery to external consumers. It cannot
// enroll writes in a database transaction, so the event store rejects it;
// it belongs behind an outbox relay, not inside the save path.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	"github.com/plaenen/eventcore/pkg/idgen"
)

// EventBus is a NATS-based implementation of eventsourcing.EventBus.
// Uses JetStream for durable event streaming with at-least-once delivery.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	serializer eventsourcing.Serializer
	streamName string
	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
}

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream name for events
	StreamName string

	// StreamSubjects are the subjects to publish events to (default: "events.>")
	StreamSubjects []string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64
}

// DefaultConfig returns sensible defaults for the NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         7 * 24 * time.Hour, // 7 days
		MaxBytes:       1024 * 1024 * 1024, // 1 GB
	}
}

// NewEventBus creates a new NATS-based event bus.
func NewEventBus(serializer eventsourcing.Serializer, config Config) (*EventBus, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &EventBus{
		nc:         nc,
		js:         js,
		serializer: serializer,
		streamName: config.StreamName,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := bus.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return bus, nil
}

// ensureStream creates or updates the JetStream stream.
func (b *EventBus) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.InterestPolicy, // Messages deleted when all consumers have processed them
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil {
		// Stream doesn't exist, create it
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Publish implements eventsourcing.EventBus. Each event is published to
// events.<sourceType>.<eventType> with its message id as the JetStream
// deduplication id, so an outbox relay can redeliver safely.
//
// There is deliberately no PublishTx: a broker write cannot join a
// database transaction.
func (b *EventBus) Publish(_ context.Context, envelopes ...eventsourcing.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, env := range envelopes {
		evt, ok := env.Message.(eventsourcing.VersionedEvent)
		if !ok {
			return fmt.Errorf("publish: %T is not a versioned event", env.Message)
		}

		payload, err := eventsourcing.Marshal(b.serializer, evt)
		if err != nil {
			return err
		}

		subject := fmt.Sprintf("events.%s.%s", evt.SourceType(), evt.EventType())
		if _, err := b.js.Publish(subject, payload, nats.MsgId(evt.MessageID())); err != nil {
			return fmt.Errorf("failed to publish event %s: %w", evt.MessageID(), err)
		}
	}
	return nil
}

// Subscription is a handle on an active event subscription.
type Subscription interface {
	Unsubscribe() error
}

// Subscribe delivers events matching the subject filter to the handler.
// An empty sourceType or eventType matches everything at that level.
func (b *EventBus) Subscribe(sourceType, eventType string, handler eventsourcing.EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subject := buildSubject(sourceType, eventType)
	consumerName := fmt.Sprintf("consumer_%s", idgen.MustSortableID()[:8])

	sub, err := b.js.QueueSubscribe(
		subject,
		consumerName,
		func(msg *nats.Msg) {
			m, err := eventsourcing.Unmarshal(b.serializer, msg.Data)
			if err != nil {
				msg.Nak()
				return
			}
			evt, ok := m.(eventsourcing.VersionedEvent)
			if !ok {
				msg.Nak()
				return
			}

			env := eventsourcing.NewEnvelope(evt, evt.CorrelationID(), "")
			if err := handler.Handle(context.Background(), env); err != nil {
				msg.Nak()
				return
			}
			msg.Ack()
		},
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.subs[consumerName] = sub
	return &subscription{bus: b, sub: sub, consumerName: consumerName}, nil
}

// buildSubject maps a (sourceType, eventType) filter to a NATS subject.
func buildSubject(sourceType, eventType string) string {
	switch {
	case sourceType == "":
		return "events.>"
	case eventType == "":
		return fmt.Sprintf("events.%s.>", sourceType)
	default:
		return fmt.Sprintf("events.%s.%s", sourceType, eventType)
	}
}

// Close closes the event bus and all subscriptions.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}

type subscription struct {
	bus          *EventBus
	sub          *nats.Subscription
	consumerName string
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.consumerName)
	return s.sub.Unsubscribe()
}
