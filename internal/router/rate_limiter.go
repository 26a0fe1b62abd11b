package router

import (
	"sync"
	"time"
)

const (
	rateWindow = time.Minute
	idleAfter  = 5 * rateWindow
)

// RateLimiter applies a fixed-window limit per sender.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit messages per sender per minute. A limit of 0
// or less disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow records one message from senderID and reports whether it fits
// the current window.
func (rl *RateLimiter) Allow(senderID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[senderID]
	if !exists {
		rl.clients[senderID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rateWindow {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Forget drops the state of one sender, typically on disconnect.
func (rl *RateLimiter) Forget(senderID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, senderID)
}

// Cleanup removes senders idle for five windows and reports how many were
// removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for senderID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > idleAfter {
			delete(rl.clients, senderID)
			removed++
		}
	}
	return removed
}

// Len reports how many senders are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
