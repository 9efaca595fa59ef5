package middleware

import (
	"net/http"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

// KeyedLimiter hands out one token bucket per key
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

// RateLimit refuses requests with 429 once the bucket of the path parameter param is empty
func RateLimit(logger ectologger.Logger, limiter *KeyedLimiter, param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Param(param)
			if !limiter.Allow(key) {
				metrics.RateLimitHits.WithLabelValues(key).Inc()
				logger.WithContext(c.Request().Context()).WithField(param, key).Warn("rate limit exceeded")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
