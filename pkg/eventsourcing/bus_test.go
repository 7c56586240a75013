package eventsourcing_test

import (
	"context"
	"testing"

	"github.com/plaenen/eventcore/internal/fakeitems"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

func TestMemoryBus(t *testing.T) {
	ctx := context.Background()

	t.Run("FIFOWithinEachQueue", func(t *testing.T) {
		bus := eventsourcing.NewMemoryBus()

		first := &fakeitems.AddItems{CommandBase: eventsourcing.NewCommandBase("a")}
		second := &fakeitems.AddItems{CommandBase: eventsourcing.NewCommandBase("b")}
		if err := bus.Send(ctx, eventsourcing.NewEnvelope(first, "", "")); err != nil {
			t.Fatal(err)
		}
		if err := bus.Send(ctx, eventsourcing.NewEnvelope(second, "", "")); err != nil {
			t.Fatal(err)
		}

		if !bus.HasNewCommands() {
			t.Fatal("expected pending commands")
		}
		cmds := bus.DrainCommands()
		if len(cmds) != 2 {
			t.Fatalf("drained %d commands", len(cmds))
		}
		if cmds[0].MessageID != first.MessageID() || cmds[1].MessageID != second.MessageID() {
			t.Error("commands drained out of order")
		}
		if bus.HasNewCommands() {
			t.Error("queue not cleared by drain")
		}
	})

	t.Run("EventsSeparateFromCommands", func(t *testing.T) {
		bus := eventsourcing.NewMemoryBus()

		evt := &fakeitems.Added{EventBase: eventsourcing.NewEventBase(), ItemID: 1, Qty: 1}
		if err := bus.Publish(ctx, eventsourcing.NewEnvelope(evt, "", "")); err != nil {
			t.Fatal(err)
		}

		if bus.HasNewCommands() {
			t.Error("event landed in command queue")
		}
		if !bus.HasNewEvents() {
			t.Fatal("expected pending events")
		}
		if events := bus.DrainEvents(); len(events) != 1 {
			t.Fatalf("drained %d events", len(events))
		}
	})

	t.Run("TxVariantsIgnoreTransaction", func(t *testing.T) {
		bus := eventsourcing.NewMemoryBus()

		evt := &fakeitems.Added{EventBase: eventsourcing.NewEventBase()}
		if err := bus.PublishTx(ctx, nil, eventsourcing.NewEnvelope(evt, "", "")); err != nil {
			t.Fatal(err)
		}
		cmd := &fakeitems.AddItems{CommandBase: eventsourcing.NewCommandBase("a")}
		if err := bus.SendTx(ctx, nil, eventsourcing.NewEnvelope(cmd, "", "")); err != nil {
			t.Fatal(err)
		}

		if !bus.HasNewEvents() || !bus.HasNewCommands() {
			t.Error("tx variants did not enqueue")
		}
	})
}

func TestSnapshotCache(t *testing.T) {
	cache := eventsourcing.NewSnapshotCache()

	if _, _, ok := cache.Get("FakeItems", "a"); ok {
		t.Fatal("empty cache returned an entry")
	}

	m := &eventsourcing.Memento{SourceID: "a", SourceType: "FakeItems", Version: 3}
	refreshed := eventsourcing.Now()
	cache.Set("FakeItems", "a", m, refreshed)

	got, at, ok := cache.Get("FakeItems", "a")
	if !ok || got != m || !at.Equal(refreshed) {
		t.Fatalf("got %+v at %v ok=%v", got, at, ok)
	}

	cache.MarkStale("FakeItems", "a")
	got, at, ok = cache.Get("FakeItems", "a")
	if !ok || got != m {
		t.Fatal("stale entry should keep its memento")
	}
	if !at.IsZero() {
		t.Errorf("stale refresh time should be zero, got %v", at)
	}

	// Marking an absent key is a no-op.
	cache.MarkStale("FakeItems", "missing")
}
