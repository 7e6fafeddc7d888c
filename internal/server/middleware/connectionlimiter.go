package middleware

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/config"
)

type IPConnectionCycler func(ip string)

// ConnectionLimiter caps open sockets per client IP. In "cycle" mode the
// oldest socket from that IP is closed to make room for the new one.
//
// A slot is reserved when the upgrade is admitted and released when the
// wrapped handler returns, so the handler must block for the socket's life.
type ConnectionLimiter struct {
	logger *slog.Logger
	cycler IPConnectionCycler
	config config.ConnectionLimitConfig

	mu     sync.Mutex
	active map[string]int
}

func NewConnectionLimiter(logger *slog.Logger, cycler IPConnectionCycler, config config.ConnectionLimitConfig) *ConnectionLimiter {
	return &ConnectionLimiter{
		logger: logger,
		cycler: cycler,
		config: config,
		active: make(map[string]int),
	}
}

// Active reports the sockets currently holding a slot for ip.
func (l *ConnectionLimiter) Active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[ip]
}

// reserve checks the limit and takes a slot in one step. It returns the count
// seen before reserving and whether a slot was taken.
func (l *ConnectionLimiter) reserve(ip string, force bool) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.active[ip]
	if count >= l.config.MaxPerIP && !force {
		return count, false
	}
	l.active[ip]++
	return count, true
}

func (l *ConnectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[ip]--
	if l.active[ip] <= 0 {
		delete(l.active, ip)
	}
}

func (l *ConnectionLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.config.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				l.logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			cycle := false
			switch l.config.Mode {
			case "reject":
			case "cycle":
				cycle = true
			default:
				l.logger.Error("Invalid connection limit mode configured", slog.String("mode", l.config.Mode))
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			count, ok := l.reserve(reqMeta.IP, cycle)
			if !ok {
				l.logger.Warn("IP connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
				writeError(w, http.StatusTooManyRequests, "too many active connections")
				return
			}
			defer l.release(reqMeta.IP)

			if count >= l.config.MaxPerIP {
				l.logger.Warn("IP connection limit reached, cycling", slog.String("ip", reqMeta.IP), slog.Int("count", count))
				l.cycler(reqMeta.IP)
			}
			next.ServeHTTP(w, r)
		})
	}
}
