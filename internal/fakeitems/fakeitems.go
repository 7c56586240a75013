// Package fakeitems is a small inventory aggregate used across the test
// suites: items are added and removed, quantities accumulate per item id.
package fakeitems

import (
	"encoding/json"
	"fmt"

	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// AggregateType is the source type stamped on every fakeitems event.
const AggregateType = "FakeItems"

// Type tags for the fakeitems messages.
const (
	EventTypeAdded   = "fakeitems.Added"
	EventTypeRemoved = "fakeitems.Removed"

	CommandTypeAddItems    = "fakeitems.AddItems"
	CommandTypeRemoveItems = "fakeitems.RemoveItems"
)

// Added records a quantity added for an item.
type Added struct {
	eventsourcing.EventBase
	ItemID int    `json:"item_id"`
	Name   string `json:"name"`
	Qty    int    `json:"qty"`
}

// EventType implements eventsourcing.Event.
func (e *Added) EventType() string { return EventTypeAdded }

// Removed records a quantity removed from an item.
type Removed struct {
	eventsourcing.EventBase
	ItemID int `json:"item_id"`
	Qty    int `json:"qty"`
}

// EventType implements eventsourcing.Event.
func (e *Removed) EventType() string { return EventTypeRemoved }

// ItemSpec is one item line in an AddItems command.
type ItemSpec struct {
	ItemID int    `json:"item_id"`
	Name   string `json:"name"`
	Qty    int    `json:"qty"`
}

// AddItems commands the aggregate to add the given item quantities.
type AddItems struct {
	eventsourcing.CommandBase
	Items []ItemSpec `json:"items"`
}

// CommandType implements eventsourcing.Command.
func (c *AddItems) CommandType() string { return CommandTypeAddItems }

// RemovalSpec is one item line in a RemoveItems command.
type RemovalSpec struct {
	ItemID int `json:"item_id"`
	Qty    int `json:"qty"`
}

// RemoveItems commands the aggregate to remove the given item quantities.
type RemoveItems struct {
	eventsourcing.CommandBase
	Removals []RemovalSpec `json:"removals"`
}

// CommandType implements eventsourcing.Command.
func (c *RemoveItems) CommandType() string { return CommandTypeRemoveItems }

// RegisterTypes registers the fakeitems messages with the serializer
// registry. Call once at startup.
func RegisterTypes(registry *eventsourcing.Registry) {
	registry.Register(EventTypeAdded, func() eventsourcing.Message { return &Added{} })
	registry.Register(EventTypeRemoved, func() eventsourcing.Message { return &Removed{} })
	registry.Register(CommandTypeAddItems, func() eventsourcing.Message { return &AddItems{} })
	registry.Register(CommandTypeRemoveItems, func() eventsourcing.Message { return &RemoveItems{} })
}

// FakeItems tracks per-item quantities.
type FakeItems struct {
	*eventsourcing.EventSourced

	Qty   map[int]int
	Names map[int]string
}

// New creates an empty FakeItems aggregate.
func New(id string) *FakeItems {
	f := &FakeItems{
		EventSourced: eventsourcing.NewEventSourced(id, AggregateType),
		Qty:          make(map[int]int),
		Names:        make(map[int]string),
	}
	f.RegisterRehydrator(EventTypeAdded, func(evt eventsourcing.VersionedEvent) {
		added := evt.(*Added)
		f.Qty[added.ItemID] += added.Qty
		f.Names[added.ItemID] = added.Name
	})
	f.RegisterRehydrator(EventTypeRemoved, func(evt eventsourcing.VersionedEvent) {
		removed := evt.(*Removed)
		f.Qty[removed.ItemID] -= removed.Qty
	})
	return f
}

// Add emits an Added event.
func (f *FakeItems) Add(itemID int, name string, qty int) {
	f.Update(&Added{
		EventBase: eventsourcing.NewEventBase(),
		ItemID:    itemID,
		Name:      name,
		Qty:       qty,
	})
}

// Remove emits a Removed event. Removing more than is on hand is rejected.
func (f *FakeItems) Remove(itemID, qty int) error {
	if f.Qty[itemID] < qty {
		return fmt.Errorf("item %d: cannot remove %d, only %d on hand", itemID, qty, f.Qty[itemID])
	}
	f.Update(&Removed{
		EventBase: eventsourcing.NewEventBase(),
		ItemID:    itemID,
		Qty:       qty,
	})
	return nil
}

// fakeState is the memento payload.
type fakeState struct {
	Qty   map[int]int    `json:"qty"`
	Names map[int]string `json:"names"`
}

// Memento implements eventsourcing.MementoOriginator.
func (f *FakeItems) Memento() (*eventsourcing.Memento, error) {
	state, err := json.Marshal(fakeState{Qty: f.Qty, Names: f.Names})
	if err != nil {
		return nil, err
	}
	return &eventsourcing.Memento{
		SourceID:   f.ID(),
		SourceType: f.SourceType(),
		Version:    f.Version(),
		State:      state,
	}, nil
}

// RestoreMemento implements eventsourcing.MementoOriginator.
func (f *FakeItems) RestoreMemento(m *eventsourcing.Memento) error {
	var state fakeState
	if err := json.Unmarshal(m.State, &state); err != nil {
		return err
	}
	f.Qty = state.Qty
	f.Names = state.Names
	if f.Qty == nil {
		f.Qty = make(map[int]int)
	}
	if f.Names == nil {
		f.Names = make(map[int]string)
	}
	f.RestoreVersion(m.Version)
	return nil
}
