package webhook

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a per-key sliding window limiter
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	requests map[string][]time.Time
	now      func() time.Time
	swept    time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per minute per key
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a request for key. When the window is full it returns false
// and how long until the oldest request leaves the window.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > 5*rateWindow {
		rl.sweep(now)
	}

	recent := trimWindow(rl.requests[key], now)
	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false, rateWindow - now.Sub(recent[0])
	}
	rl.requests[key] = append(recent, now)
	return true, 0
}

// sweep drops keys with no request in the current window
func (rl *RateLimiter) sweep(now time.Time) {
	for key, times := range rl.requests {
		if recent := trimWindow(times, now); len(recent) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = recent
		}
	}
	rl.swept = now
}

func trimWindow(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= rateWindow {
		i++
	}
	return times[i:]
}
