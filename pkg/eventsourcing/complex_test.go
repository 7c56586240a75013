package eventsourcing_test

import (
	"testing"

	"github.com/plaenen/eventcore/internal/fakeitems"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// stockView consumes fakeitems.Added events from a foreign aggregate and
// keeps a running total.
type stockView struct {
	*eventsourcing.ComplexEventSourced

	Total int
}

const totalChangedType = "stockview.TotalChanged"

type totalChanged struct {
	eventsourcing.EventBase
	Delta int `json:"delta"`
}

func (e *totalChanged) EventType() string { return totalChangedType }

func newComplexSerializer() eventsourcing.Serializer {
	registry := eventsourcing.NewRegistry()
	fakeitems.RegisterTypes(registry)
	eventsourcing.RegisterComplexTypes(registry)
	registry.Register(totalChangedType, func() eventsourcing.Message { return &totalChanged{} })
	return eventsourcing.NewJSONSerializer(registry)
}

func newStockView(id string, serializer eventsourcing.Serializer) *stockView {
	v := &stockView{
		ComplexEventSourced: eventsourcing.NewComplexEventSourced(id, "StockView", serializer),
	}
	v.RegisterRehydrator(totalChangedType, func(evt eventsourcing.VersionedEvent) {
		v.Total += evt.(*totalChanged).Delta
	})
	v.RegisterForeignHandler(fakeitems.AggregateType, fakeitems.EventTypeAdded,
		func(evt eventsourcing.VersionedEvent) {
			added := evt.(*fakeitems.Added)
			v.Update(&totalChanged{EventBase: eventsourcing.NewEventBase(), Delta: added.Qty})
		})
	return v
}

func foreignAdded(version int64, qty int) *fakeitems.Added {
	evt := &fakeitems.Added{EventBase: eventsourcing.NewEventBase(), ItemID: 1, Name: "x", Qty: qty}
	evt.SetSource("warehouse-1", fakeitems.AggregateType, version)
	return evt
}

func TestComplexEventSourced(t *testing.T) {
	serializer := newComplexSerializer()
	key := eventsourcing.ForeignKey{
		SourceType: fakeitems.AggregateType,
		SourceID:   "warehouse-1",
		EventType:  fakeitems.EventTypeAdded,
	}

	t.Run("OutOfOrderParkThenDrain", func(t *testing.T) {
		view := newStockView("view-1", serializer)

		// v=2 arrives first: parked, not applied.
		applied, err := view.TryProcessForeign(foreignAdded(2, 20))
		if err != nil {
			t.Fatal(err)
		}
		if applied {
			t.Fatal("early event must not apply")
		}
		if view.ParkedCount() != 1 || view.Total != 0 {
			t.Fatalf("parked=%d total=%d", view.ParkedCount(), view.Total)
		}

		// v=1 arrives: applied, then the parked v=2 drains.
		applied, err = view.TryProcessForeign(foreignAdded(1, 10))
		if err != nil {
			t.Fatal(err)
		}
		if !applied {
			t.Fatal("in-order event must apply")
		}
		if view.LastProcessed(key) != 2 {
			t.Fatalf("cursor %d, want 2", view.LastProcessed(key))
		}
		if view.ParkedCount() != 0 {
			t.Fatalf("parked list not drained: %d", view.ParkedCount())
		}
		if view.Total != 30 {
			t.Fatalf("total %d, want 30", view.Total)
		}

		// Feeding v=2 again is a no-op.
		applied, err = view.TryProcessForeign(foreignAdded(2, 20))
		if err != nil {
			t.Fatal(err)
		}
		if applied || view.Total != 30 {
			t.Fatalf("duplicate applied: total %d", view.Total)
		}
	})

	t.Run("OrderIndependentFinalState", func(t *testing.T) {
		inOrder := newStockView("view-a", serializer)
		for _, v := range []int64{1, 2, 3} {
			if _, err := inOrder.TryProcessForeign(foreignAdded(v, int(v))); err != nil {
				t.Fatal(err)
			}
		}

		shuffled := newStockView("view-b", serializer)
		for _, v := range []int64{3, 1, 2} {
			if _, err := shuffled.TryProcessForeign(foreignAdded(v, int(v))); err != nil {
				t.Fatal(err)
			}
		}

		if inOrder.Total != shuffled.Total {
			t.Fatalf("totals diverge: %d vs %d", inOrder.Total, shuffled.Total)
		}
		if inOrder.LastProcessed(key) != 3 || shuffled.LastProcessed(key) != 3 {
			t.Fatal("cursors diverge")
		}
		if shuffled.ParkedCount() != 0 {
			t.Fatal("parked events left behind")
		}
	})

	t.Run("DuplicateOfParkedEventIsIgnored", func(t *testing.T) {
		view := newStockView("view-c", serializer)

		if _, err := view.TryProcessForeign(foreignAdded(3, 5)); err != nil {
			t.Fatal(err)
		}
		if _, err := view.TryProcessForeign(foreignAdded(3, 5)); err != nil {
			t.Fatal(err)
		}
		if view.ParkedCount() != 1 {
			t.Fatalf("parked twice: %d", view.ParkedCount())
		}
	})

	t.Run("RehydrationRestoresCursorAndParked", func(t *testing.T) {
		view := newStockView("view-d", serializer)
		if _, err := view.TryProcessForeign(foreignAdded(2, 20)); err != nil {
			t.Fatal(err)
		}
		if _, err := view.TryProcessForeign(foreignAdded(1, 10)); err != nil {
			t.Fatal(err)
		}
		if _, err := view.TryProcessForeign(foreignAdded(4, 40)); err != nil {
			t.Fatal(err)
		}
		history := view.DrainPending()

		replayed := newStockView("view-d", serializer)
		if err := replayed.LoadFrom(history); err != nil {
			t.Fatal(err)
		}

		if replayed.Total != view.Total {
			t.Fatalf("total %d, want %d", replayed.Total, view.Total)
		}
		if replayed.LastProcessed(key) != 2 {
			t.Fatalf("cursor %d, want 2", replayed.LastProcessed(key))
		}
		if replayed.ParkedCount() != 1 {
			t.Fatalf("parked %d, want 1", replayed.ParkedCount())
		}

		// The restored parked event still drains once v=3 arrives.
		if _, err := replayed.TryProcessForeign(foreignAdded(3, 30)); err != nil {
			t.Fatal(err)
		}
		if replayed.LastProcessed(key) != 4 {
			t.Fatalf("cursor %d, want 4", replayed.LastProcessed(key))
		}
		if replayed.Total != view.Total+30+40 {
			t.Fatalf("total %d after drain", replayed.Total)
		}
	})
}
