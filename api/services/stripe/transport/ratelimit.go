package transport

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key. Buckets idle for ten minutes are
// dropped by Sweep, which Allow also runs once per idle window.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	r         rate.Limit
	b         int
	idle      time.Duration
	lastSweep time.Time
}

// NewRateLimiter allows perMinute requests per key, with a burst of the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &RateLimiter{
		limiters:  make(map[string]*keyLimiter),
		r:         rate.Limit(float64(perMinute) / 60.0),
		b:         perMinute,
		idle:      10 * time.Minute,
		lastSweep: time.Now(),
	}
}

// Allow reports whether key may proceed and, if not, the seconds to wait.
func (l *RateLimiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	if time.Since(l.lastSweep) > l.idle {
		l.sweepLocked()
	}
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = kl
	}
	kl.lastSeen = time.Now()
	l.mu.Unlock()

	reservation := kl.limiter.Reserve()
	if d := reservation.Delay(); d > 0 {
		reservation.Cancel()
		return false, max(1, int(math.Ceil(d.Seconds())))
	}
	return true, 0
}

// Sweep drops buckets unused for longer than the idle window.
func (l *RateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
}

func (l *RateLimiter) sweepLocked() {
	l.lastSweep = time.Now()
	for key, kl := range l.limiters {
		if time.Since(kl.lastSeen) > l.idle {
			delete(l.limiters, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
