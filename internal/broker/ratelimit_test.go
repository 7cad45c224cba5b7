package broker

import (
	"testing"
	"time"
)

// fakeClock drives a rateLimiter deterministically.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 6, 9, 15, 0, 0, time.UTC)}
}

func (c *fakeClock) install(l *rateLimiter) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(d time.Duration) {
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
	}
}

func TestRateLimiterAllowsBudgetWithinWindow(t *testing.T) {
	l := newRateLimiter(3)
	clock := newFakeClock()
	clock.install(l)

	for i := 0; i < 3; i++ {
		l.wait()
		clock.now = clock.now.Add(10 * time.Millisecond)
	}
	if len(clock.slept) != 0 {
		t.Errorf("slept %d times within budget, want 0", len(clock.slept))
	}
}

func TestRateLimiterBlocksOverBudget(t *testing.T) {
	l := newRateLimiter(3)
	clock := newFakeClock()
	clock.install(l)

	for i := 0; i < 3; i++ {
		l.wait()
	}
	l.wait() // fourth request in the same window
	if len(clock.slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(clock.slept))
	}
	if clock.slept[0] < time.Second {
		t.Errorf("pause %v shorter than the remaining window", clock.slept[0])
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	l := newRateLimiter(2)
	clock := newFakeClock()
	clock.install(l)

	l.wait()
	l.wait()

	// A fresh window opens a full budget.
	clock.now = clock.now.Add(1100 * time.Millisecond)
	l.wait()
	l.wait()
	if len(clock.slept) != 0 {
		t.Fatalf("slept %d times across two windows, want 0", len(clock.slept))
	}

	// Overflowing the second window does pause.
	l.wait()
	if len(clock.slept) != 1 {
		t.Errorf("slept %d times after overflow, want 1", len(clock.slept))
	}
}

func TestRateLimiterDefaultsBudget(t *testing.T) {
	l := newRateLimiter(0)
	if l.limit != MaxRequestsPerSecond {
		t.Errorf("limit = %d, want default %d", l.limit, MaxRequestsPerSecond)
	}
	l = newRateLimiter(-5)
	if l.limit != MaxRequestsPerSecond {
		t.Errorf("limit = %d, want default %d", l.limit, MaxRequestsPerSecond)
	}
}
