package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"camrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// clientIP extracts the client address, preferring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) { c.Next() }

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)
	globalSem := newSemaphore(cfg.RateLimiting.HTTP.MaxConcurrent)

	return func(c *gin.Context) {
		if globalSem != nil {
			if !globalSem.tryAcquire() {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
			defer globalSem.release()
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}

// NewStreamRateLimitMiddleware limits long lived connections (multipart
// streams and event feeds): new connections per minute per IP, and a global
// cap on how many are open at once.
func NewStreamRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	openSem := newSemaphore(cfg.RateLimiting.WebSocket.MaxConcurrent)

	return func(c *gin.Context) {
		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many new stream connections",
			})
			return
		}
		if openSem != nil {
			if !openSem.tryAcquire() {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many open streams",
				})
				return
			}
			defer openSem.release()
		}
		c.Next()
	}
}

type semaphore chan struct{}

// newSemaphore returns nil for n <= 0, meaning unlimited.
func newSemaphore(n int) semaphore {
	if n <= 0 {
		return nil
	}
	return make(semaphore, n)
}

func (s semaphore) tryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s semaphore) release() { <-s }
