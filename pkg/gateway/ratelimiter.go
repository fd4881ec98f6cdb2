package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxConcurrent     = 10
)

// ClientRateLimiter bounds the request rate and concurrency of one caller.
type ClientRateLimiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	maxConcurrent int
	inFlight      int
}

// NewClientRateLimiter creates a limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(defaultRequestsPerMinute, defaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits allows requestsPerMinute with a burst of the
// same size and at most maxConcurrent requests in flight.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire reserves a slot for one request. On success the caller must call
// Release when the request is done; otherwise code is the RPC error to report.
func (r *ClientRateLimiter) Acquire() (ok bool, code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, TooManyConcurrent, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return false, RateLimitExceeded, "rate limit exceeded"
	}
	r.inFlight++
	return true, 0, ""
}

// Release frees a slot taken by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// InFlight returns the number of requests currently holding a slot.
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}
