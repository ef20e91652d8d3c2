// Package ratelimit throttles API callers with a token bucket per caller.
//
// Buckets live in a bounded LRU, so an address sweep cannot grow memory
// without limit; a forgotten caller simply starts over with a full bucket.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yoshidan/anchor-auction/internal/auth"
	"github.com/yoshidan/anchor-auction/internal/metrics"
	"golang.org/x/time/rate"
)

// DefaultMaxKeys is how many callers are tracked at once.
const DefaultMaxKeys = 10000

// Config configures rate limiting.
type Config struct {
	RequestsPerSecond int // sustained rate per caller; zero disables limiting
	BurstSize         int
	MaxKeys           int
}

// DefaultConfig returns 10 requests per second with bursts of 20.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		MaxKeys:           DefaultMaxKeys,
	}
}

// ForRate returns the default config at rps requests per second, with a
// burst of twice the rate.
func ForRate(rps int) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.RequestsPerSecond = rps
		cfg.BurstSize = 2 * rps
	}
	return cfg
}

// Limiter holds one token bucket per caller key.
type Limiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	buckets, _ := lru.New[string, *rate.Limiter](cfg.MaxKeys) // errors only on a non-positive size
	return &Limiter{limit: limit, burst: cfg.BurstSize, buckets: buckets}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(key, b)
	return b
}

// Allow takes a token for key, reporting whether one was available.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// wait takes a token for key. It returns zero on success, or how long the
// caller should wait before the next token, leaving the bucket untouched.
func (l *Limiter) wait(key string) time.Duration {
	r := l.bucket(key).Reserve()
	if !r.OK() {
		return time.Second
	}
	d := r.Delay()
	if d > 0 {
		r.Cancel()
	}
	return d
}

// Tracked returns the number of callers with a live bucket.
func (l *Limiter) Tracked() int {
	return l.buckets.Len()
}

// Middleware rate limits by caller. Commands are keyed on the claimed
// signer so one party cannot spread bids across addresses; everything
// else is keyed on the client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, key := "ip", c.ClientIP()
		if signer := c.GetHeader(auth.HeaderSigner); signer != "" {
			kind, key = "signer", signer
		}

		if d := l.wait(kind + ":" + key); d > 0 {
			metrics.RateLimited.WithLabelValues(kind).Inc()
			retryAfter := int(math.Ceil(d.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
