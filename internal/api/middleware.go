package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const limiterResetInterval = 5 * time.Minute

// ipLimiters hands out one token bucket per client IP. The whole table is
// dropped every limiterResetInterval so idle clients do not accumulate.
type ipLimiters struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	resetAt   time.Time
	resetEach time.Duration
}

func newIPLimiters(rps float64, burst int) *ipLimiters {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 50
	}
	return &ipLimiters{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burst:     burst,
		resetAt:   time.Now().Add(limiterResetInterval),
		resetEach: limiterResetInterval,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := time.Now(); now.After(l.resetAt) {
		l.limiters = make(map[string]*rate.Limiter)
		l.resetAt = now.Add(l.resetEach)
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiters := newIPLimiters(rps, burst)
	return func(c *gin.Context) {
		if !limiters.get(c.ClientIP()).Allow() {
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass it down to the
// engine, which stops between lines once it expires. Websocket upgrades are
// left alone.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
