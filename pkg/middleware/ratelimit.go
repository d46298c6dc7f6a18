package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/observability"
)

// RateLimitConfig bounds attempts per client IP within a window
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Prefix   string
}

// DefaultLoginRateLimit allows 10 login attempts per IP per minute
func DefaultLoginRateLimit() RateLimitConfig {
	return RateLimitConfig{Requests: 10, Window: time.Minute, Prefix: "ratelimit:login"}
}

// RateLimiter is a Redis-backed fixed-window limiter shared across
// instances. Redis failures fail open so an outage never locks out
// logins.
type RateLimiter struct {
	redis   *redis.Client
	config  RateLimitConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRateLimiter creates the limiter. metrics may be nil.
func NewRateLimiter(client *redis.Client, config RateLimitConfig,
	logger *observability.Logger, metrics *observability.Metrics) *RateLimiter {
	if config.Requests <= 0 {
		config = DefaultLoginRateLimit()
	}
	return &RateLimiter{redis: client, config: config, logger: logger, metrics: metrics}
}

// Limit wraps a handler with the per-IP limit
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("%s:%s", rl.config.Prefix, httputil.ClientIP(r))

		pipe := rl.redis.Pipeline()
		incr := pipe.Incr(r.Context(), key)
		pipe.Expire(r.Context(), key, rl.config.Window)
		if _, err := pipe.Exec(r.Context()); err != nil {
			rl.logger.WithError(err).Warn("rate limiter unavailable, failing open")
			next.ServeHTTP(w, r)
			return
		}

		if incr.Val() > int64(rl.config.Requests) {
			if rl.metrics != nil {
				rl.metrics.RateLimitedRequestsTotal.Inc()
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.config.Window.Seconds())))
			httputil.WriteError(w, apperr.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
