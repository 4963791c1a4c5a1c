package middleware

import (
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// RateLimiter is a fixed-window per-account limiter backed by Redis, so the
// window survives restarts and is shared across replicas. A nil client
// disables limiting entirely.
type RateLimiter struct {
	redis    *redis.Client
	requests int64
	window   time.Duration
}

func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:    rdb,
		requests: viper.GetInt64("rate_limit.requests"),
		window:   time.Duration(viper.GetInt("rate_limit.window_seconds")) * time.Second,
	}
}

// Limit enforces the window for the authenticated account. Redis errors
// fail open: metering still happens at the ledger, the limiter only guards
// against runaway clients.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		accountID := AccountID(r.Context())
		if accountID == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := "ratelimit:deduct:" + accountID
		count, err := rl.redis.Incr(r.Context(), key).Result()
		if err != nil {
			log.WithError(err).Warn("rate limiter unavailable, failing open")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.redis.Expire(r.Context(), key, rl.window)
		}

		if count > rl.requests {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
