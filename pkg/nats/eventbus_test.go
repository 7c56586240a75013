package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/plaenen/eventcore/internal/fakeitems"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
	natspkg "github.com/plaenen/eventcore/pkg/nats"
)

func newSerializer() eventsourcing.Serializer {
	registry := eventsourcing.NewRegistry()
	fakeitems.RegisterTypes(registry)
	return eventsourcing.NewJSONSerializer(registry)
}

func addedEvent(id string, version int64) *fakeitems.Added {
	evt := &fakeitems.Added{
		EventBase: eventsourcing.NewEventBase(),
		ItemID:    1,
		Name:      "x",
		Qty:       10,
	}
	evt.SetSource(id, fakeitems.AggregateType, version)
	evt.SetCorrelationID("C-" + id)
	return evt
}

func TestEmbeddedNATSEventBus(t *testing.T) {
	srv, err := natspkg.StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	defer srv.Shutdown()

	bus, err := natspkg.NewEventBus(newSerializer(), natspkg.TestConfig(srv.URL()))
	if err != nil {
		t.Fatalf("failed to create event bus: %v", err)
	}
	defer bus.Close()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan eventsourcing.Envelope, 1)

		sub, err := bus.Subscribe(fakeitems.AggregateType, fakeitems.EventTypeAdded,
			eventsourcing.EventHandlerFunc(func(_ context.Context, env eventsourcing.Envelope) error {
				received <- env
				return nil
			}))
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		// Give the subscription time to be ready.
		time.Sleep(100 * time.Millisecond)

		evt := addedEvent("agg-1", 1)
		if err := bus.Publish(context.Background(), eventsourcing.NewEnvelope(evt, evt.CorrelationID(), "")); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}

		select {
		case env := <-received:
			got, ok := env.Message.(*fakeitems.Added)
			if !ok {
				t.Fatalf("expected *fakeitems.Added, got %T", env.Message)
			}
			if got.MessageID() != evt.MessageID() {
				t.Errorf("expected message id %q, got %q", evt.MessageID(), got.MessageID())
			}
			if got.SourceID() != "agg-1" || got.Version() != 1 {
				t.Errorf("expected source agg-1 v1, got %s v%d", got.SourceID(), got.Version())
			}
			if got.Qty != 10 {
				t.Errorf("expected payload qty 10, got %d", got.Qty)
			}
			if env.CorrelationID != "C-agg-1" {
				t.Errorf("expected correlation C-agg-1, got %q", env.CorrelationID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	})

	t.Run("MessageIDDeduplication", func(t *testing.T) {
		received := make(chan eventsourcing.Envelope, 10)

		sub, err := bus.Subscribe("", "", eventsourcing.EventHandlerFunc(
			func(_ context.Context, env eventsourcing.Envelope) error {
				received <- env
				return nil
			}))
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		time.Sleep(100 * time.Millisecond)

		// The same event published twice: the stream deduplicates on
		// message id, so a retrying outbox relay delivers once.
		evt := addedEvent("agg-2", 1)
		env := eventsourcing.NewEnvelope(evt, evt.CorrelationID(), "")
		if err := bus.Publish(context.Background(), env); err != nil {
			t.Fatalf("first publish failed: %v", err)
		}
		if err := bus.Publish(context.Background(), env); err != nil {
			t.Fatalf("second publish failed: %v", err)
		}

		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for first delivery")
		}

		select {
		case <-received:
			t.Error("received duplicate event (deduplication failed)")
		case <-time.After(500 * time.Millisecond):
			// No duplicate.
		}
	})

	t.Run("SubjectFiltering", func(t *testing.T) {
		matched := make(chan eventsourcing.Envelope, 1)
		other := make(chan eventsourcing.Envelope, 1)

		subAdded, err := bus.Subscribe(fakeitems.AggregateType, fakeitems.EventTypeAdded,
			eventsourcing.EventHandlerFunc(func(_ context.Context, env eventsourcing.Envelope) error {
				matched <- env
				return nil
			}))
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer subAdded.Unsubscribe()

		subRemoved, err := bus.Subscribe(fakeitems.AggregateType, fakeitems.EventTypeRemoved,
			eventsourcing.EventHandlerFunc(func(_ context.Context, env eventsourcing.Envelope) error {
				other <- env
				return nil
			}))
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer subRemoved.Unsubscribe()

		time.Sleep(100 * time.Millisecond)

		evt := addedEvent("agg-3", 1)
		if err := bus.Publish(context.Background(), eventsourcing.NewEnvelope(evt, evt.CorrelationID(), "")); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}

		select {
		case <-matched:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for matching subscriber")
		}

		select {
		case <-other:
			t.Error("subscriber for a different event type received the event")
		case <-time.After(300 * time.Millisecond):
		}
	})
}
