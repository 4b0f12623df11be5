package engine

import (
	"sync"

	"github.com/roach88/trigcap/internal/gpio"
)

// eventQueue is a thread-safe FIFO of trigger events.
//
// The queue is unbounded: each entry is a physical edge that already
// happened, so the watcher must never block or drop while a capture runs.
// Depth is watched by Engine.Enqueue instead.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []gpio.TriggerEvent
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]gpio.TriggerEvent, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue and returns the new depth.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e gpio.TriggerEvent) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return len(q.events), false
	}

	q.events = append(q.events, e)

	// Non-blocking; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return len(q.events), true
}

// TryDequeue attempts to dequeue without blocking.
// Returns false if the queue is empty.
func (q *eventQueue) TryDequeue() (gpio.TriggerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return gpio.TriggerEvent{}, false
	}

	e := q.events[0]
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close, so waiters wake up and observe Drained.
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

// Close signals that no more events will be enqueued. Events already queued
// remain available to TryDequeue.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
