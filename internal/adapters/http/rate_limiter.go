package http

import (
	"sync"
	"time"

	"github.com/dkeye/CallDub/internal/domain"
)

// DialRateLimiter caps outgoing dials per token within a sliding window.
type DialRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.Token][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewDialRateLimiter(limit int, interval time.Duration) *DialRateLimiter {
	return &DialRateLimiter{
		history:  make(map[domain.Token][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *DialRateLimiter) Allow(token domain.Token) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[token]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[token] = fresh
		return false
	}
	rl.history[token] = append(fresh, now)
	return true
}

// Forget drops the history of an unregistered token.
func (rl *DialRateLimiter) Forget(token domain.Token) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, token)
}
