package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/network"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute per IP, with bursts of the same size
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		limit:    rate.Limit(float64(requestsPerMinute) / 60),
		burst:    requestsPerMinute,
	}
}

// Allow checks if a request from ip should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.limiters[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[ip] = v
		if len(rl.limiters) > 1024 {
			rl.evictLocked(now)
		}
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// evictLocked drops visitors idle for more than five minutes
func (rl *RateLimiter) evictLocked(now time.Time) {
	for ip, v := range rl.limiters {
		if now.Sub(v.lastSeen) > 5*time.Minute {
			delete(rl.limiters, ip)
		}
	}
}

// RateLimitMiddleware applies rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Kind:  string(network.ErrorKindRateLimited),
			})
			return
		}
		c.Next()
	}
}

// LoggingMiddleware logs HTTP requests and records request metrics
func LoggingMiddleware(logger zerolog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, path, status, latency)
		}

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev.Int("status", status).
			Str("ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Dur("latency", latency).
			Msg("request")
	}
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  int64  `json:"code,omitempty"`
}

// statusFor maps an error kind to an HTTP status
func statusFor(kind network.ErrorKind) int {
	switch kind {
	case network.ErrorKindBadParam:
		return http.StatusBadRequest
	case network.ErrorKindNotConnected:
		return http.StatusConflict
	case network.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case network.ErrorKindAuth:
		return http.StatusUnauthorized
	case network.ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case network.ErrorKindServer, network.ErrorKindProtocol, network.ErrorKindIO:
		return http.StatusBadGateway
	case network.ErrorKindCrypto:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// fail renders err with the status of its kind
func fail(c *gin.Context, err error) {
	kind := network.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: string(kind)}
	var serr *network.ServerError
	if errors.As(err, &serr) {
		resp.Code = serr.Code
	}
	c.AbortWithStatusJSON(statusFor(kind), resp)
}

// badRequest renders a request that could not be bound
func badRequest(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: fmt.Sprintf(format, args...),
		Kind:  string(network.ErrorKindBadParam),
	})
}
