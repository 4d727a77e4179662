package engine

import (
	"sync"

	"github.com/roach88/animeboard/internal/subscription"
)

// EventType distinguishes between loop event kinds.
type EventType int

const (
	// EventTypeAction runs a closure on the loop (public Scope calls and
	// channel reports).
	EventTypeAction EventType = iota + 1
	// EventTypeSettle carries the result of a backing write.
	EventTypeSettle
	// EventTypeDelivery carries one push event from the subscription manager.
	EventTypeDelivery
)

func (t EventType) String() string {
	switch t {
	case EventTypeAction:
		return "action"
	case EventTypeSettle:
		return "settle"
	case EventTypeDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the scope loop.
type Event struct {
	Type     EventType
	Op       string // names the action for logs and failures
	Action   func()
	Settle   *settlement
	Delivery *subscription.Delivery
}

// eventQueue is a thread-safe FIFO queue for loop events.
//
// The queue is unbounded: write goroutines and subscription pumps must
// never block on a busy loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed; the event is dropped.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Nil out the slot so closures and payloads can be collected.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drained reports whether the queue is closed and empty.
func (q *eventQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Close rejects further events and wakes any waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
