package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet holds one submission rate limiter per user.
type limiterSet struct {
	limit rate.Limit
	burst int

	// mu guards limiters.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(interval time.Duration, burst int) *limiterSet {
	return &limiterSet{
		limit:    rate.Every(interval),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether user may submit another request now.
func (l *limiterSet) allow(user string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[user]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[user] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
