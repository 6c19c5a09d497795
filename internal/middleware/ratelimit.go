package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a simple token bucket rate limiter per IP. It
// protects the stateless HTTP fallback; the websocket path has its own
// per-job backpressure.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rate      int
	window    time.Duration
	whitelist map[string]struct{}
	onBlocked func()
	logger    *slog.Logger
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter allows 'rate' requests per 'window'. IPs in whitelist
// bypass the limiter. onBlocked, if non-nil, is called for each rejected
// request.
func NewRateLimiter(rate int, window time.Duration, whitelist []string, onBlocked func(), logger *slog.Logger) *RateLimiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		if ip = strings.TrimSpace(ip); ip != "" {
			wl[ip] = struct{}{}
		}
	}

	rl := &RateLimiter{
		clients:   make(map[string]*bucket),
		rate:      rate,
		window:    window,
		whitelist: wl,
		onBlocked: onBlocked,
		logger:    logger.With("component", "rate_limiter"),
	}

	go rl.cleanupLoop()

	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, b := range rl.clients {
			if now.Sub(b.lastReset) > rl.window*2 {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	if _, ok := rl.whitelist[ip]; ok {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.clients[ip]
	if !exists || now.Sub(b.lastReset) > rl.window {
		rl.clients[ip] = &bucket{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Middleware returns an HTTP middleware that applies rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			if rl.onBlocked != nil {
				rl.onBlocked()
			}
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For from a reverse proxy: "client, proxy1, proxy2"
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
