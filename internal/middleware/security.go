package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StoreIDHeader names the store a client acts on.
const StoreIDHeader = "X-Store-Id"

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// JSON only; nothing here should ever render as a page.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a fixed-window limiter keyed by client address. Stores with
// a policy limit get a second bucket per client on top of the address budget.
type RateLimiter struct {
	mu              sync.Mutex
	buckets         map[string]*tokenBucket
	limit           int
	window          time.Duration
	limitFor        func(storeID string) int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *logrus.Logger
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter allows limit requests per window per key.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets:         make(map[string]*tokenBucket),
		limit:           limit,
		window:          window,
		cleanupInterval: window * 2,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}
	go rl.cleanup()
	return rl
}

// SetStoreLimits installs a per-store limit lookup. fn returns 0 when the
// store has no limit of its own.
func (rl *RateLimiter) SetStoreLimits(fn func(storeID string) int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limitFor = fn
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastUpdate) > rl.cleanupInterval {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Allow reports whether one more request for key fits under the default limit.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.allow(key, "")
}

// allow charges the client bucket and, when storeID has a policy limit, the
// store bucket for the same client. A request passes only if both have room.
func (rl *RateLimiter) allow(key, storeID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client := rl.bucket(key, rl.limit, now)
	if client.tokens <= 0 {
		return false
	}

	if rl.limitFor != nil && storeID != "" {
		if limit := rl.limitFor(storeID); limit > 0 {
			store := rl.bucket(storeID+"@"+key, limit, now)
			if store.tokens <= 0 {
				return false
			}
			store.tokens--
		}
	}

	client.tokens--
	return true
}

// bucket returns the live bucket for key, refilled to limit once its window
// has passed.
func (rl *RateLimiter) bucket(key string, limit int, now time.Time) *tokenBucket {
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.lastUpdate) >= rl.window {
		b = &tokenBucket{tokens: limit, lastUpdate: now}
		rl.buckets[key] = b
	}
	return b
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address
// without its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// getClientKey is the client address. Headers the client controls, such as
// X-Store-Id, never select the bucket.
func getClientKey(r *http.Request) string {
	return clientIP(r)
}

// RateLimitMiddleware answers 429 once a client exceeds its limit.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := getClientKey(r)
			storeID := strings.TrimSpace(r.Header.Get(StoreIDHeader))

			if !limiter.allow(key, storeID) {
				limiter.logger.WithFields(logrus.Fields{
					"client": key,
					"store":  storeID,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
