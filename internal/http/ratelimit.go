package http

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked senders to prevent memory
// exhaustion from rotating source keys.
const maxTrackedKeys = 4096

// SenderRateLimiter applies a per-sender token bucket to inbound webhook
// events. Safe for concurrent use.
type SenderRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewSenderRateLimiter allows rpm events per minute per sender.
func NewSenderRateLimiter(rpm int) *SenderRateLimiter {
	if rpm <= 0 {
		rpm = 30
	}
	return &SenderRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    rpm,
	}
}

// Allow reports whether the sender is within its rate limit.
func (r *SenderRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Hard eviction when at cap (map iteration order is as good a victim
	// choice as any here).
	if len(r.limiters) >= maxTrackedKeys {
		for k := range r.limiters {
			delete(r.limiters, k)
			break
		}
	}

	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l.Allow()
}
