package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/internal/server/middleware"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/config"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/logging"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := middleware.Chain(okHandler, tag("outer"), tag("inner"))
	rec := serve(h, "10.0.0.1:1234")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRequestMetadataCarriesIP(t *testing.T) {
	var seen string
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := middleware.ReqMetadataFrom(r.Context())
		if ok {
			seen = meta.IP
		}
	}), middleware.RequestMetadataMiddleware())

	serve(h, "10.0.0.1:1234")
	assert.Equal(t, "10.0.0.1", seen)
}

func TestRateLimiter(t *testing.T) {
	l := middleware.NewRateLimiter(logging.Discard(), 2, time.Hour)

	assert.Equal(t, true, l.Allow("10.0.0.1"))
	assert.Equal(t, true, l.Allow("10.0.0.1"))
	assert.Equal(t, false, l.Allow("10.0.0.1"))
	assert.Equal(t, true, l.Allow("10.0.0.2"))

	h := middleware.Chain(okHandler, middleware.RequestMetadataMiddleware(), l.Middleware())
	assert.Equal(t, http.StatusTooManyRequests, serve(h, "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.2:1").Code)
}

func TestRateLimiterWindowResets(t *testing.T) {
	l := middleware.NewRateLimiter(logging.Discard(), 1, 20*time.Millisecond)

	assert.Equal(t, true, l.Allow("10.0.0.1"))
	assert.Equal(t, false, l.Allow("10.0.0.1"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, true, l.Allow("10.0.0.1"))
}

func TestRateLimiterDisabled(t *testing.T) {
	l := middleware.NewRateLimiter(logging.Discard(), 0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("Disabled limiter refused request %d", i)
		}
	}
}

// holdOpen blocks each request until release is closed, like a live socket.
func holdOpen(entered chan<- struct{}, release <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestConnectionLimiter(t *testing.T) {
	tests := []struct {
		name       string
		open       int
		mode       string
		wantStatus int
		wantCycled bool
	}{
		{"under limit", 1, "reject", http.StatusNoContent, false},
		{"reject at limit", 2, "reject", http.StatusTooManyRequests, false},
		{"cycle at limit", 2, "cycle", http.StatusNoContent, true},
		{"bad mode", 0, "bogus", http.StatusInternalServerError, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cycled := ""
			limiter := middleware.NewConnectionLimiter(
				logging.Discard(),
				func(ip string) { cycled = ip },
				config.ConnectionLimitConfig{MaxPerIP: 2, Mode: tc.mode},
			)
			entered := make(chan struct{}, tc.open)
			release := make(chan struct{})
			held := middleware.Chain(holdOpen(entered, release), middleware.RequestMetadataMiddleware(), limiter.Middleware())
			for i := 0; i < tc.open; i++ {
				go serve(held, "10.0.0.9:5555")
				<-entered
			}
			defer close(release)

			h := middleware.Chain(okHandler, middleware.RequestMetadataMiddleware(), limiter.Middleware())
			rec := serve(h, "10.0.0.9:5555")
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCycled, cycled == "10.0.0.9")
			assert.Equal(t, tc.open, limiter.Active("10.0.0.9"))
		})
	}
}

func TestConnectionLimiterReservesSlots(t *testing.T) {
	limiter := middleware.NewConnectionLimiter(
		logging.Discard(),
		func(string) {},
		config.ConnectionLimitConfig{MaxPerIP: 3, Mode: "reject"},
	)
	entered := make(chan struct{}, 20)
	release := make(chan struct{})
	h := middleware.Chain(holdOpen(entered, release), middleware.RequestMetadataMiddleware(), limiter.Middleware())

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if serve(h, "10.0.0.9:5555").Code == http.StatusTooManyRequests {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 3; i++ {
		<-entered
	}
	// the admitted three stay open until every other request has been refused
	for {
		mu.Lock()
		n := rejected
		mu.Unlock()
		if n == 17 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 3, limiter.Active("10.0.0.9"))
	assert.Equal(t, 0, len(entered))

	close(release)
	wg.Wait()
	assert.Equal(t, 0, limiter.Active("10.0.0.9"))
}

func TestConnectionLimiterDisabled(t *testing.T) {
	limiter := middleware.NewConnectionLimiter(
		logging.Discard(),
		func(string) {},
		config.ConnectionLimitConfig{MaxPerIP: 0, Mode: "reject"},
	)
	// no metadata middleware: a disabled limiter never looks for it
	rec := serve(middleware.Chain(okHandler, limiter.Middleware()), "10.0.0.9:5555")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	h := middleware.Chain(okHandler, middleware.RequestMetadataMiddleware(), middleware.NewRequestLogger(logging.Discard()))
	assert.Equal(t, http.StatusNoContent, serve(h, "10.0.0.1:1").Code)
}
