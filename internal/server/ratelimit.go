package server

import (
	"sync"
	"time"
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// rateLimiter is a token bucket per connection. A limit of zero disables
// it.
type rateLimiter struct {
	mu        sync.Mutex
	conns     map[string]*bucket
	maxPerSec float64
	burst     float64 // max tokens (2× maxPerSec)
	now       func() time.Time
}

func newRateLimiter(maxPerSec float64) *rateLimiter {
	return &rateLimiter{
		conns:     make(map[string]*bucket),
		maxPerSec: maxPerSec,
		burst:     maxPerSec * 2,
		now:       time.Now,
	}
}

// allow consumes one token for conn and reports whether one was available.
func (r *rateLimiter) allow(conn string) bool {
	if r.maxPerSec <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.conns[conn]
	if !ok {
		r.conns[conn] = &bucket{tokens: r.burst - 1, lastCheck: now}
		return true
	}

	// Refill tokens based on elapsed time
	b.tokens += now.Sub(b.lastCheck).Seconds() * r.maxPerSec
	if b.tokens > r.burst {
		b.tokens = r.burst
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// forget drops the bucket of a closed connection.
func (r *rateLimiter) forget(conn string) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}
