package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per caller.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
	limiters sync.Map // caller -> *cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithLimit sets the sustained requests per second and burst per caller.
// A limit of 0 means unlimited.
func WithLimit(perSecond float64, burst int) Option {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(perSecond)
		rl.burst = burst
	}
}

// WithTTL sets how long an idle caller's limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) {
		rl.ttl = ttl
	}
}

// NewRateLimiter creates a RateLimiter. Without options it is unlimited.
func NewRateLimiter(opts ...Option) *RateLimiter {
	rl := &RateLimiter{ttl: 5 * time.Minute, burst: 1, now: time.Now}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.burst <= 0 {
		rl.burst = 1
	}
	return rl
}

// Middleware enforces the limit. It must run after AuthMiddleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				unauthorized(w, "Unauthorized")
				return
			}

			// limit=0 means unlimited
			if rl.limit > 0 && !rl.limiterFor(caller).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiterFor(caller string) *rate.Limiter {
	now := rl.now()
	if v, ok := rl.limiters.Load(caller); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Store(caller, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}
