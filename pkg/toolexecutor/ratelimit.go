package toolexecutor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per rate-limited tool.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*rate.Limiter)}
}

// configure installs a bucket refilling perMinute tokens a minute with a burst
// of perMinute. Zero leaves the tool unlimited.
func (l *limiterSet) configure(tool string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if perMinute <= 0 {
		delete(l.limiters, tool)
		return
	}
	l.limiters[tool] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func (l *limiterSet) allow(tool string) bool {
	l.mu.Lock()
	limiter := l.limiters[tool]
	l.mu.Unlock()

	if limiter == nil {
		return true
	}
	return limiter.Allow()
}
