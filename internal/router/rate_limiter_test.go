package router

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newClockedLimiter(limit int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl, clock := newClockedLimiter(100)

	for i := 0; i < 100; i++ {
		if !rl.Allow("c1") {
			t.Fatalf("Message %d should be allowed", i+1)
		}
	}
	if rl.Allow("c1") {
		t.Error("Message over the limit should be rejected")
	}

	clock.now = clock.now.Add(time.Minute)
	if !rl.Allow("c1") {
		t.Error("A new window should allow messages again")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("c1") {
			t.Fatal("Limit 0 should never reject")
		}
	}
	if rl.Len() != 0 {
		t.Errorf("Disabled limiter should not track senders, got %d", rl.Len())
	}
}

func TestRateLimiter_CleanupAndForget(t *testing.T) {
	rl, clock := newClockedLimiter(10)

	rl.Allow("idle")
	clock.now = clock.now.Add(4 * time.Minute)
	rl.Allow("active")
	rl.Allow("leaving")

	clock.now = clock.now.Add(2 * time.Minute)
	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 idle sender removed, got %d", removed)
	}

	rl.Forget("leaving")
	if rl.Len() != 1 {
		t.Errorf("Expected only the active sender left, got %d", rl.Len())
	}
}
