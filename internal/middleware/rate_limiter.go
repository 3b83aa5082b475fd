package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/tenant"
)

// RateLimiter bounds requests per tenant rate key over a fixed one-minute
// window that resets when it expires, so a tenant can burst up to twice the
// budget across a window boundary. It protects the workflow submission path
// from a single tenant saturating the step worker pool.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	logger  *slog.Logger

	stop chan struct{}
}

type rateWindow struct {
	count int
	start time.Time
}

func NewRateLimiter(limitPerMinute int, logger *slog.Logger) *RateLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = 120
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limitPerMinute,
		logger:  logger.With(slog.String("component", "rate_limiter")),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow records one request against key and reports whether it is within
// the per-minute budget.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Middleware rejects over-budget requests with 429. It assumes the Tenant
// middleware already ran.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := tenant.FromContext(r.Context())
		if !ok {
			writeFault(w, http.StatusBadRequest,
				faults.Validation("missing_tenant", "request reached the rate limiter without a tenant"))
			return
		}
		key := tc.RateKey()
		if !rl.Allow(key) {
			rl.logger.Warn("rate limit exceeded",
				slog.String("rate_key", key),
				slog.Int("limit_per_minute", rl.limit))
			w.Header().Set("Retry-After", "60")
			writeFault(w, http.StatusTooManyRequests,
				faults.Unavailable("rate_limited", "tenant %s exceeded %d requests per minute", key, rl.limit))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the background window sweep.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

// sweep drops windows idle for more than two minutes.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			rl.mu.Lock()
			for key, w := range rl.windows {
				if w.start.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
