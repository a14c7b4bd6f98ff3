package realtime

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// backoff produces an increasing, capped delay schedule for reconnection
// attempts, with a hard attempt budget. A small random jitter keeps a fleet
// of clients from reconnecting in lockstep after a server restart.
type backoff struct {
	mu          sync.Mutex
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{base: base, max: max, maxAttempts: maxAttempts}
}

// nextDelay consumes one attempt and returns how long to wait before it.
func (b *backoff) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.25)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt)),
		float64(b.max),
	))
	b.attempt++
	return delay + jitter
}

// exhausted reports whether the attempt budget has run out.
func (b *backoff) exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt >= b.maxAttempts
}

// reset restores the full budget after a successful authentication.
func (b *backoff) reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
