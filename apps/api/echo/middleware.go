package echoapi

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const minLimiterIdle = time.Minute

var limiterNow = time.Now // mockable

// sendLimiter keeps one token bucket per user. Buckets idle long enough to be full again
// are swept, so the map only holds recently active users.
type sendLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*userBucket
	swept   time.Time
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newSendLimiter returns nil (no limit) when limit is not positive.
func newSendLimiter(limit rate.Limit, burst int) *sendLimiter {
	if limit <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	idle := time.Duration(float64(burst) / float64(limit) * float64(time.Second))
	if idle < minLimiterIdle {
		idle = minLimiterIdle
	}
	return &sendLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*userBucket),
		swept:   limiterNow(),
	}
}

func (l *sendLimiter) allow(userID string) bool {
	if l == nil {
		return true
	}
	now := limiterNow()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) >= l.idle {
		for id, b := range l.buckets {
			if now.Sub(b.seen) >= l.idle {
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

func rateLimitMiddleware(l *sendLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			me, err := getContextProfile(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context profile")
			}
			if !l.allow(me.ID) {
				return errTooManyRequests
			}
			return next(ctx)
		}
	}
}
