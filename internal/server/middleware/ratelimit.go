package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a fixed-window request budget keyed by client IP.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	per     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type window struct {
	start  time.Time
	tokens int
}

// NewRateLimiter allows max requests per IP in every window of length per. A
// non-positive max disables limiting.
func NewRateLimiter(logger *slog.Logger, max int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		max:     max,
		per:     per,
		now:     time.Now,
		logger:  logger,
	}
}

// Allow spends one token for ip and reports whether one was available.
func (l *RateLimiter) Allow(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[ip]
	if w == nil || now.Sub(w.start) >= l.per {
		w = &window{start: now, tokens: l.max}
		l.windows[ip] = w
		l.sweep(now)
	}
	if w.tokens <= 0 {
		return false
	}
	w.tokens--
	return true
}

// sweep drops expired windows so idle clients do not accumulate.
func (l *RateLimiter) sweep(now time.Time) {
	for ip, w := range l.windows {
		if now.Sub(w.start) >= l.per {
			delete(l.windows, ip)
		}
	}
}

func (l *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !l.Allow(ip) {
				l.logger.Warn("Request rate limit reached", slog.String("ip", ip))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
