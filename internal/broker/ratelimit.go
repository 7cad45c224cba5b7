package broker

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-broker request budget over a rolling
// one-second window. When the budget is spent it sleeps out the
// remainder of the window plus a small cushion, then starts a fresh
// window.
type rateLimiter struct {
	mu    sync.Mutex
	limit int

	windowStart time.Time
	count       int

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

func newRateLimiter(limit int) *rateLimiter {
	if limit <= 0 {
		limit = MaxRequestsPerSecond
	}
	return &rateLimiter{
		limit: limit,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// wait blocks until the caller may issue one request.
func (l *rateLimiter) wait() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.windowStart)

	if elapsed >= time.Second {
		l.windowStart = now
		l.count = 1
		return
	}

	if l.count < l.limit {
		l.count++
		return
	}

	// Budget spent inside the window: sit out the rest of it.
	pause := time.Second - elapsed + 100*time.Millisecond
	l.sleep(pause)
	l.windowStart = l.now()
	l.count = 1
}
