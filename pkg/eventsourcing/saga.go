package eventsourcing

// CommandEmitter is the capability a saga exposes: commands accumulated
// while handling events are drained by the event store and co-published in
// the save transaction, after the events of that save.
type CommandEmitter interface {
	DrainPendingCommands() []Command
}

// Saga is an aggregate that coordinates other aggregates by emitting
// further commands in addition to its own events.
type Saga struct {
	*EventSourced

	pendingCommands []Command
}

// NewSaga creates a saga base with the given identity.
func NewSaga(id, sourceType string) *Saga {
	return &Saga{EventSourced: NewEventSourced(id, sourceType)}
}

// Dispatch queues a command for co-publication on the next save.
func (s *Saga) Dispatch(cmd Command) {
	s.pendingCommands = append(s.pendingCommands, cmd)
}

// DrainPendingCommands implements CommandEmitter.
func (s *Saga) DrainPendingCommands() []Command {
	cmds := s.pendingCommands
	s.pendingCommands = nil
	return cmds
}
