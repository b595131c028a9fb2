package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"lifecycle-engine/internal/common/logger"

	"golang.org/x/time/rate"
)

const maxLimiters = 10000

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	log      logger.Logger
}

func NewRateLimiter(requestsPerSecond, burst int, log logger.Logger) *RateLimiter {
	if burst <= 0 {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log.Named("ratelimit"),
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		if !rl.getLimiter(key).Allow() {
			rl.log.Warn("rate limit exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Retry-After", "1")
			respondWithJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"success": false,
				"error":   "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup drops all buckets every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.mu.Lock()
				rl.limiters = make(map[string]*rate.Limiter)
				rl.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}
