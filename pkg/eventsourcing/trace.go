package eventsourcing

// Tracer receives human-readable progress notes from the store and the
// dispatchers. The concrete implementation lives outside the core; see
// pkg/tracer for the bounded in-process one.
type Tracer interface {
	Trace(format string, args ...any)
}

// nopTracer discards all notes.
type nopTracer struct{}

func (nopTracer) Trace(string, ...any) {}

// NopTracer returns a tracer that discards all notes.
func NopTracer() Tracer { return nopTracer{} }
