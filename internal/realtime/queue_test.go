package realtime

import (
	"fmt"
	"testing"
)

func drainAll(q *outboundQueue) []QueuedMessage {
	var out []QueuedMessage
	for {
		m, ok := q.peek()
		if !ok {
			return out
		}
		out = append(out, m)
		q.pop()
	}
}

func TestOutboundQueue_FIFOOrder(t *testing.T) {
	q := newOutboundQueue(10)

	for i := 0; i < 5; i++ {
		if evicted := q.enqueue(EventMessageSend, fmt.Sprintf("payload-%d", i)); evicted {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}

	items := drainAll(q)
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	for i, item := range items {
		want := fmt.Sprintf("payload-%d", i)
		if item.Payload != want {
			t.Errorf("item %d: expected %q, got %v", i, want, item.Payload)
		}
	}
}

func TestOutboundQueue_EvictsOldestAtCapacity(t *testing.T) {
	q := newOutboundQueue(3)

	q.enqueue(EventMessageSend, "a")
	q.enqueue(EventMessageSend, "b")
	q.enqueue(EventMessageSend, "c")

	if evicted := q.enqueue(EventMessageSend, "d"); !evicted {
		t.Fatal("expected eviction at capacity")
	}
	if q.len() != 3 {
		t.Fatalf("queue exceeded capacity: len=%d", q.len())
	}

	items := drainAll(q)
	got := []string{items[0].Payload.(string), items[1].Payload.(string), items[2].Payload.(string)}
	want := []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestOutboundQueue_NeverExceedsCapacity(t *testing.T) {
	q := newOutboundQueue(4)

	for i := 0; i < 20; i++ {
		q.enqueue(EventTyping, i)
		if q.len() > 4 {
			t.Fatalf("capacity bound violated after %d enqueues: len=%d", i+1, q.len())
		}
	}

	// survivors are the newest four, still in order
	items := drainAll(q)
	for i, item := range items {
		if item.Payload != 16+i {
			t.Errorf("item %d: expected %d, got %v", i, 16+i, item.Payload)
		}
	}
}

func TestOutboundQueue_PopOnEmpty(t *testing.T) {
	q := newOutboundQueue(2)
	q.pop() // must not panic

	if _, ok := q.peek(); ok {
		t.Fatal("peek on empty queue should report not ok")
	}
}
