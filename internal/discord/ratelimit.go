package discord

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a user's bucket may sit unused before it is
// dropped by the next sweep.
const limiterIdle = 10 * time.Minute

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// UserLimiter throttles slash commands per user with a token bucket.
// A zero rate disables limiting.
type UserLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*userBucket
	swept   time.Time
	now     func() time.Time
}

// NewUserLimiter returns a limiter granting perSecond commands per user with
// bursts of up to burst.
func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	if burst < 1 {
		burst = 1
	}
	return &UserLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*userBucket),
		now:     time.Now,
	}
}

// Allow reports whether userID may run a command now.
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > limiterIdle {
		for id, b := range l.buckets {
			if now.Sub(b.seen) > limiterIdle {
				delete(l.buckets, id)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
