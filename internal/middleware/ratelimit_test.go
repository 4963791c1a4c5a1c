package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func limitedRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/credits/deduct", nil)
	return req.WithContext(WithAccountID(req.Context(), "user@example.com"))
}

func TestRateLimiter_Limit(t *testing.T) {
	viper.Set("rate_limit.requests", 30)
	viper.Set("rate_limit.window_seconds", 60)

	t.Run("first request in window sets the expiry", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr("ratelimit:deduct:user@example.com").SetVal(1)
		mock.ExpectExpire("ratelimit:deduct:user@example.com", 60*time.Second).SetVal(true)

		w := httptest.NewRecorder()
		limitedHandler(NewRateLimiter(rdb)).ServeHTTP(w, limitedRequest())

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("request within the limit passes", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr("ratelimit:deduct:user@example.com").SetVal(15)

		w := httptest.NewRecorder()
		limitedHandler(NewRateLimiter(rdb)).ServeHTTP(w, limitedRequest())

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("request over the limit gets 429", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr("ratelimit:deduct:user@example.com").SetVal(31)

		w := httptest.NewRecorder()
		limitedHandler(NewRateLimiter(rdb)).ServeHTTP(w, limitedRequest())

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("redis failure fails open", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr("ratelimit:deduct:user@example.com").SetErr(errors.New("connection refused"))

		w := httptest.NewRecorder()
		limitedHandler(NewRateLimiter(rdb)).ServeHTTP(w, limitedRequest())

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("nil client disables limiting", func(t *testing.T) {
		w := httptest.NewRecorder()
		limitedHandler(NewRateLimiter(nil)).ServeHTTP(w, limitedRequest())

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unauthenticated request is not counted", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()

		w := httptest.NewRecorder()
		limitedHandler(NewRateLimiter(rdb)).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/credits/deduct", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
