package transport

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-connection inbound frame rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit // frames per second
	burst    int        // max burst size
}

// NewRateLimiter creates a new rate limiter
// framesPerSecond: inbound frames per second allowed per connection
// burst: maximum burst size (frames allowed at once)
func NewRateLimiter(framesPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(framesPerSecond),
		burst:    burst,
	}
}

// DefaultRateLimiter returns a rate limiter with sensible defaults
// 20 frames/second with burst of 40
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(20, 40)
}

// getLimiter returns the rate limiter for a given connection ID
func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[key]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = r.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(r.rate, r.burst)
	r.limiters[key] = limiter
	return limiter
}

// Allow checks if an inbound frame should be allowed for the connection
func (r *RateLimiter) Allow(key string) bool {
	return r.getLimiter(key).Allow()
}

// Forget removes the limiter for a closed connection
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, key)
}
