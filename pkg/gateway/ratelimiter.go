package gateway

import (
	"sync"
	"time"
)

// RateLimits bounds one websocket client.
type RateLimits struct {
	RequestsPerMinute int
	MaxConcurrent     int
	// MaxTurns caps concurrent turn.run requests, which hold their slot
	// for the whole conversation turn.
	MaxTurns int
}

// DefaultRateLimits returns the limits applied to new clients.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		RequestsPerMinute: 60,
		MaxConcurrent:     10,
		MaxTurns:          4,
	}
}

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu       sync.Mutex
	limits   RateLimits
	requests []time.Time
	inFlight int
	turns    int
	now      func() time.Time
}

// NewClientRateLimiter creates a rate limiter with the given limits
func NewClientRateLimiter(limits RateLimits) *ClientRateLimiter {
	return &ClientRateLimiter{
		limits: limits,
		now:    time.Now,
	}
}

// Acquire admits one request for method. On success the returned release
// must be called when the request finishes; otherwise the error carries
// RateLimitExceeded or TooManyConcurrent.
func (r *ClientRateLimiter) Acquire(method string) (func(), *RPCError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	isTurn := method == "turn.run"
	if r.inFlight >= r.limits.MaxConcurrent {
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}
	if isTurn && r.turns >= r.limits.MaxTurns {
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent turns"}
	}

	now := r.now()
	r.trim(now)
	if len(r.requests) >= r.limits.RequestsPerMinute {
		return nil, &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	if isTurn {
		r.turns++
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.inFlight--
			if isTurn {
				r.turns--
			}
		})
	}, nil
}

// Stats returns requests in the current window plus in-flight requests and turns.
func (r *ClientRateLimiter) Stats() (requests, inFlight, turns int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(r.now())
	return len(r.requests), r.inFlight, r.turns
}

func (r *ClientRateLimiter) trim(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
}
