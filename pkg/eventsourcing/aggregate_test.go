package eventsourcing_test

import (
	"errors"
	"testing"

	"github.com/plaenen/eventcore/internal/fakeitems"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

func TestEventSourced(t *testing.T) {
	t.Run("UpdateStampsStreamCoordinates", func(t *testing.T) {
		agg := fakeitems.New("agg-1")

		agg.Add(1, "x", 10)
		agg.Add(2, "y", 5)

		if agg.Version() != 2 {
			t.Fatalf("expected version 2, got %d", agg.Version())
		}

		pending := agg.DrainPending()
		if len(pending) != 2 {
			t.Fatalf("expected 2 pending events, got %d", len(pending))
		}
		for i, evt := range pending {
			if evt.SourceID() != "agg-1" {
				t.Errorf("event %d: source id %q", i, evt.SourceID())
			}
			if evt.SourceType() != fakeitems.AggregateType {
				t.Errorf("event %d: source type %q", i, evt.SourceType())
			}
			if evt.Version() != int64(i+1) {
				t.Errorf("event %d: version %d", i, evt.Version())
			}
		}

		if again := agg.DrainPending(); len(again) != 0 {
			t.Errorf("second drain returned %d events", len(again))
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		agg := fakeitems.New("agg-2")
		agg.Add(1, "x", 10)
		agg.Add(2, "y", 10)
		agg.Add(1, "x", 5)
		if err := agg.Remove(2, 7); err != nil {
			t.Fatal(err)
		}
		history := agg.DrainPending()

		replayed := fakeitems.New("agg-2")
		if err := replayed.LoadFrom(history); err != nil {
			t.Fatal(err)
		}

		if replayed.Version() != agg.Version() {
			t.Errorf("version %d, want %d", replayed.Version(), agg.Version())
		}
		if replayed.Qty[1] != 15 || replayed.Qty[2] != 3 {
			t.Errorf("quantities %v", replayed.Qty)
		}
	})

	t.Run("VersionGapFailsRehydration", func(t *testing.T) {
		agg := fakeitems.New("agg-3")
		agg.Add(1, "x", 10)
		agg.Add(2, "y", 5)
		history := agg.DrainPending()

		replayed := fakeitems.New("agg-3")
		err := replayed.LoadFrom(history[1:]) // starts at version 2
		if !errors.Is(err, eventsourcing.ErrRehydrationMismatch) {
			t.Fatalf("expected ErrRehydrationMismatch, got %v", err)
		}
	})

	t.Run("MissingRehydratorPanics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic for unregistered event type")
			}
		}()

		agg := eventsourcing.NewEventSourced("agg-4", "Bare")
		evt := &fakeitems.Added{EventBase: eventsourcing.NewEventBase(), ItemID: 1, Qty: 1}
		agg.Update(evt)
	})

	t.Run("DuplicateRehydratorPanics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic for duplicate rehydrator")
			}
		}()

		agg := fakeitems.New("agg-5")
		agg.RegisterRehydrator(fakeitems.EventTypeAdded, func(eventsourcing.VersionedEvent) {})
	})
}

func TestMemento(t *testing.T) {
	agg := fakeitems.New("agg-6")
	agg.Add(1, "x", 10)
	agg.Add(2, "y", 4)
	agg.DrainPending()

	memento, err := agg.Memento()
	if err != nil {
		t.Fatal(err)
	}
	if memento.Version != 2 {
		t.Fatalf("memento version %d", memento.Version)
	}

	restored := fakeitems.New("agg-6")
	if err := restored.RestoreMemento(memento); err != nil {
		t.Fatal(err)
	}
	if restored.Version() != 2 {
		t.Errorf("restored version %d", restored.Version())
	}
	if restored.Qty[1] != 10 || restored.Qty[2] != 4 {
		t.Errorf("restored quantities %v", restored.Qty)
	}
	if restored.Names[1] != "x" {
		t.Errorf("restored names %v", restored.Names)
	}
}

func TestSaga(t *testing.T) {
	saga := eventsourcing.NewSaga("saga-1", "Coordinator")

	cmd := &fakeitems.AddItems{
		CommandBase: eventsourcing.NewCommandBase("agg-1"),
		Items:       []fakeitems.ItemSpec{{ItemID: 1, Name: "x", Qty: 3}},
	}
	saga.Dispatch(cmd)

	var emitter eventsourcing.CommandEmitter = saga
	cmds := emitter.DrainPendingCommands()
	if len(cmds) != 1 || cmds[0] != eventsourcing.Command(cmd) {
		t.Fatalf("drained %d commands", len(cmds))
	}
	if len(emitter.DrainPendingCommands()) != 0 {
		t.Error("second drain should be empty")
	}
}
