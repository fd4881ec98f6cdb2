package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)
		for i := 0; i < 5; i++ {
			ok, _, reason := limiter.Acquire()
			assert.True(t, ok)
			assert.Empty(t, reason)
		}
		assert.Equal(t, 5, limiter.InFlight())
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 2)
		limiter.Acquire()
		limiter.Acquire()

		ok, code, reason := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, TooManyConcurrent, code)
		assert.Equal(t, "too many concurrent requests", reason)

		limiter.Release()
		ok, _, _ = limiter.Acquire()
		assert.True(t, ok)
	})

	t.Run("should reject when burst is spent", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(3, 10)
		for i := 0; i < 3; i++ {
			ok, _, _ := limiter.Acquire()
			assert.True(t, ok)
			limiter.Release()
		}
		ok, code, _ := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, RateLimitExceeded, code)
	})

	t.Run("release never goes negative", func(t *testing.T) {
		limiter := NewClientRateLimiter()
		limiter.Release()
		assert.Zero(t, limiter.InFlight())
	})
}
