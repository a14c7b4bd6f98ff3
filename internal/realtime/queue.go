package realtime

import (
	"sync"
	"time"
)

// QueuedMessage is a client-originated event captured while the channel was
// not authenticated, waiting for the next authenticated window.
type QueuedMessage struct {
	Event      string
	Payload    interface{}
	EnqueuedAt time.Time
}

// outboundQueue is a capacity-bounded FIFO of unacknowledged outbound events.
// At capacity the oldest entry is evicted: newest user intent wins over stale
// queued signals. Draining is strictly front-to-back and stops the moment the
// channel is no longer authenticated, so entries are never reordered and never
// sent twice.
type outboundQueue struct {
	mu       sync.Mutex
	items    []QueuedMessage
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{capacity: capacity}
}

// enqueue appends the event, evicting the oldest entry first when at
// capacity. It reports whether an eviction happened.
func (q *outboundQueue) enqueue(event string, payload interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, QueuedMessage{
		Event:      event,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
	return evicted
}

// peek returns the front entry without removing it.
func (q *outboundQueue) peek() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return q.items[0], true
}

// pop removes the front entry. Called only after the transport accepted it.
func (q *outboundQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
