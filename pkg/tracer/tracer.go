// Package tracer provides the in-process notification tracer: a bounded
// queue of human-readable notes with live subscribers. It backs the
// real-time trace feed of the control surface.
package tracer

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the queue bound; the oldest note is dropped when full.
const DefaultCapacity = 50

// Notification is one trace note.
type Notification struct {
	Time    time.Time
	Message string
}

// Tracer keeps the most recent notes and fans them out to subscribers.
// Any concurrent caller may enqueue.
type Tracer struct {
	mu       sync.Mutex
	capacity int
	queue    []Notification
	subs     map[int]chan Notification
	nextSub  int
}

// New creates a tracer with the default capacity.
func New() *Tracer {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a tracer bounded at the given queue size.
func NewWithCapacity(capacity int) *Tracer {
	return &Tracer{
		capacity: capacity,
		subs:     make(map[int]chan Notification),
	}
}

// Trace enqueues a note, dropping the oldest when the queue is full, and
// publishes it to subscribers. Slow subscribers miss notes rather than
// blocking the caller.
func (t *Tracer) Trace(format string, args ...any) {
	n := Notification{
		Time:    time.Now(),
		Message: fmt.Sprintf(format, args...),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) >= t.capacity {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, n)

	for _, ch := range t.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Notifications returns a snapshot of the queued notes, oldest first.
func (t *Tracer) Notifications() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Notification, len(t.queue))
	copy(out, t.queue)
	return out
}

// Subscribe returns a channel of future notes and a cancel function.
func (t *Tracer) Subscribe(buffer int) (<-chan Notification, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++

	ch := make(chan Notification, buffer)
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
