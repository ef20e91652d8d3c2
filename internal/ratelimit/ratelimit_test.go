package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoshidan/anchor-auction/internal/auth"
	"github.com/yoshidan/anchor-auction/internal/metrics"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst")

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, limiter.Allow("test-ip"), "request after refill")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 10, BurstSize: 1})

	assert.True(t, limiter.Allow("test"))
	assert.False(t, limiter.Allow("test"))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("test"))
}

func TestForRate(t *testing.T) {
	cfg := ForRate(7)
	assert.Equal(t, 7, cfg.RequestsPerSecond)
	assert.Equal(t, 14, cfg.BurstSize)

	assert.Equal(t, DefaultConfig(), ForRate(0))
}

func TestLimiterForgetsLeastRecentCallers(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1, MaxKeys: 2})

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
	assert.True(t, limiter.Allow("c"))
	assert.Equal(t, 2, limiter.Tracked())

	// "a" was evicted and starts over with a full bucket.
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("c"))
}

func TestLimiterZeroRateIsUnlimited(t *testing.T) {
	limiter := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("k"))
	}
}

func TestMiddleware_KeysOnSigner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1})

	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/v1/auctions", func(c *gin.Context) { c.Status(http.StatusOK) })

	signerBefore := testutil.ToFloat64(metrics.RateLimited.WithLabelValues("signer"))
	send := func(signer string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/auctions", nil)
		if signer != "" {
			req.Header.Set(auth.HeaderSigner, signer)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimited.WithLabelValues("signer"))-signerBefore)

	// Same IP, different signer: separate bucket.
	assert.Equal(t, http.StatusOK, send("bob"))
	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
}

func TestMiddleware_RetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1})

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/auctions", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/auctions", nil))
		return w
	}

	require.Equal(t, http.StatusOK, get().Code)
	w := get()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// A rejected request does not consume the next token.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, get().Code)
}
