package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/escrowd/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5, IdleTTL: time.Minute})

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d is within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst should be denied")

	// 60/min refills one token per second.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, limiter.Allow("test-ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3, IdleTTL: time.Minute})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiterIdleEviction(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: 50 * time.Millisecond})

	assert.True(t, limiter.Allow("client-a"))
	assert.False(t, limiter.Allow("client-a"))

	time.Sleep(120 * time.Millisecond)
	// The stale bucket expired, so the client starts fresh.
	assert.True(t, limiter.Allow("client-a"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Positive(t, cfg.IdleTTL)
}

func TestMiddleware_KeysByUser(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1, IdleTTL: time.Minute})
	r := gin.New()
	r.Use(auth.Middleware(auth.NewAuthenticator(nil, "")), limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if user != "" {
			req.Header.Set(auth.HeaderUserID, user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("alice"))
	assert.Equal(t, http.StatusTooManyRequests, call("alice"))
	assert.Equal(t, http.StatusOK, call("bob"))
	assert.Equal(t, http.StatusOK, call(""), "anonymous callers are keyed by IP")
	assert.Equal(t, http.StatusTooManyRequests, call(""))
}
