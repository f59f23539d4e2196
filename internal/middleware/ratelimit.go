package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter applies a fixed-window request quota per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*window
	rate    int
	length  time.Duration
	stop    chan struct{}
}

type window struct {
	count   int
	startAt time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per window length.
func NewRateLimiter(rate int, length time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*window),
		rate:    rate,
		length:  length,
		stop:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow reports whether the client identified by key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists := rl.clients[key]
	if !exists || now.Sub(w.startAt) >= rl.length {
		rl.clients[key] = &window{count: 1, startAt: now}
		return true
	}

	if w.count >= rl.rate {
		return false
	}
	w.count++
	return true
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// cleanup drops windows that have aged out so the client map stays bounded.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, w := range rl.clients {
				if now.Sub(w.startAt) >= rl.length {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// RateLimitMiddleware rejects over-quota requests with 429.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if !rl.Allow(key) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the client address, preferring the RealIP middleware's
// rewrite of RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
