package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Quota is the state of a key after one request was counted.
type Quota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Allowed   bool
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Quota, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Limiter defaults to an in-process sliding window of Max per Window.
	Limiter Limiter
	Max     int
	Window  time.Duration
	// KeyFunc extracts the rate limit key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
}

// RateLimit rejects requests over the limit with 429. Limiter errors let
// the request through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		cfg.Limiter = NewWindowLimiter(cfg.Max, cfg.Window)
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			q, err := cfg.Limiter.Allow(r.Context(), cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(q.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(q.ResetAt.Unix(), 10))
			if !q.Allowed {
				wait := max(q.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// window tracks two adjacent fixed windows per key.
type window struct {
	prev, curr float64
	start      time.Time
}

// WindowLimiter is an in-process sliding window limiter.
type WindowLimiter struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	keys map[string]*window
}

var _ Limiter = (*WindowLimiter)(nil)

// NewWindowLimiter allows limit requests per key in any sliding window of
// length w.
func NewWindowLimiter(limit int, w time.Duration) *WindowLimiter {
	return &WindowLimiter{max: limit, window: w, keys: make(map[string]*window)}
}

// Allow implements Limiter.
func (l *WindowLimiter) Allow(_ context.Context, key string, now time.Time) (Quota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.window)
	e, ok := l.keys[key]
	switch {
	case !ok:
		e = &window{start: start}
		l.keys[key] = e
	case start.Sub(e.start) >= 2*l.window:
		*e = window{start: start}
	case start.After(e.start):
		*e = window{prev: e.curr, start: start}
	}

	// The previous window counts in proportion to its overlap.
	overlap := 1 - float64(now.Sub(e.start))/float64(l.window)
	count := e.prev*overlap + e.curr
	q := Quota{Limit: l.max, ResetAt: e.start.Add(l.window)}
	if count >= float64(l.max) {
		return q, nil
	}
	e.curr++
	q.Allowed = true
	q.Remaining = max(int(float64(l.max)-count-1), 0)
	return q, nil
}

// Sweep drops keys idle for two windows or more.
func (l *WindowLimiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.keys {
		if now.Sub(e.start) >= 2*l.window {
			delete(l.keys, key)
		}
	}
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP or the remote
// address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
