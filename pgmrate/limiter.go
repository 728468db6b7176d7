// Package pgmrate implements a small token-bucket rate limiter, the
// concrete collaborator behind the pgm.RateLimiter interface.
package pgmrate

import (
	"sync"
	"time"
)

// Limiter is a token bucket of bytes: tokens accrue at rate
// bytesPerSec up to burst, and Check deducts bytes from the bucket,
// refusing (without deducting) when insufficient and nonblocking is
// requested. No ecosystem token-bucket library fits this exact
// check-and-deduct contract, so this stays a small self-contained
// implementation rather than reaching for golang.org/x/time/rate,
// whose Reserve/Wait API would need a wrapper that just reimplements
// this file's contract anyway.
type Limiter struct {
	mu         sync.Mutex
	bytesPerSec float64
	burst       float64
	tokens      float64
	last        time.Time
	disabled    bool
}

// New constructs a Limiter. A zero or negative bytesPerSec disables
// limiting entirely (Check always succeeds).
func New(bytesPerSec, burst int) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{disabled: true}
	}
	if burst <= 0 {
		burst = bytesPerSec
	}
	return &Limiter{
		bytesPerSec: float64(bytesPerSec),
		burst:       float64(burst),
		tokens:      float64(burst),
		last:        time.Now(),
	}
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.bytesPerSec
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now
}

// Check reports whether n bytes may be sent now. When sufficient
// tokens are present it deducts them and returns true. When
// insufficient: if nonblocking is true it returns false without
// deducting (the caller must retry with RateLimited); if false, it
// blocks until enough tokens accrue.
func (l *Limiter) Check(n int, nonblocking bool) bool {
	if l.disabled {
		return true
	}
	for {
		l.mu.Lock()
		now := time.Now()
		l.refill(now)
		if l.tokens >= float64(n) {
			l.tokens -= float64(n)
			l.mu.Unlock()
			return true
		}
		if nonblocking {
			l.mu.Unlock()
			return false
		}
		deficit := float64(n) - l.tokens
		wait := time.Duration(deficit / l.bytesPerSec * float64(time.Second))
		l.mu.Unlock()
		time.Sleep(wait)
	}
}
