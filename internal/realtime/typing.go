package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// typingDebouncer keeps one live timer per conversation the local user is
// typing in. Each start emits typing=true and re-arms the timer; expiry or an
// explicit stop emits typing=false exactly once. This prevents both signal
// storms (keystroke-per-event) and stuck remote "typing…" indicators.
type typingDebouncer struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	ttl    time.Duration
	emit   func(conversationID uuid.UUID, isTyping bool)
}

func newTypingDebouncer(ttl time.Duration, emit func(uuid.UUID, bool)) *typingDebouncer {
	return &typingDebouncer{
		timers: make(map[uuid.UUID]*time.Timer),
		ttl:    ttl,
		emit:   emit,
	}
}

// start emits typing=true and (re-)arms the expiry timer for the
// conversation. A timer already armed is superseded, not doubled.
func (d *typingDebouncer) start(conversationID uuid.UUID) {
	d.mu.Lock()
	if t, ok := d.timers[conversationID]; ok {
		t.Stop()
	}
	d.timers[conversationID] = time.AfterFunc(d.ttl, func() {
		d.stop(conversationID)
	})
	d.mu.Unlock()

	d.emit(conversationID, true)
}

// stop cancels the timer and emits typing=false. Idempotent: without a live
// timer it is a no-op, so stop-after-expiry never emits twice.
func (d *typingDebouncer) stop(conversationID uuid.UUID) {
	d.mu.Lock()
	t, ok := d.timers[conversationID]
	if ok {
		t.Stop()
		delete(d.timers, conversationID)
	}
	d.mu.Unlock()

	if ok {
		d.emit(conversationID, false)
	}
}

// stopAll cancels every live timer, emitting a stop signal for each when
// emitStops is set. Explicit disconnect emits the stops while the channel can
// still carry them; transport loss cancels silently and lets the remote TTL
// expire the signals.
func (d *typingDebouncer) stopAll(emitStops bool) {
	d.mu.Lock()
	ids := make([]uuid.UUID, 0, len(d.timers))
	for id, t := range d.timers {
		t.Stop()
		ids = append(ids, id)
	}
	d.timers = make(map[uuid.UUID]*time.Timer)
	d.mu.Unlock()

	if !emitStops {
		return
	}
	for _, id := range ids {
		d.emit(id, false)
	}
}
