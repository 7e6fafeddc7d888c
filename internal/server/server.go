package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/internal/relay"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/internal/server/middleware"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/config"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/connregistry"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/document"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/metrics"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/session/sessionmanager"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/transport"
)

var errConnectionCycled = errors.New("connection cycled by new connection")

type App struct {
	logger   *slog.Logger
	sessions session.Registry
	conns    *connregistry.Registry
	docs     *document.Store
	relay    *relay.Relay
	wg       sync.WaitGroup
	http     *http.Server
	handler  http.Handler
	config   *config.Config
	ready    atomic.Bool

	ctx context.Context
}

// NewApp wires the registries, the relay and the HTTP surface. engine backs
// every session document.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, engine document.Engine) *App {
	sessions := sessionmanager.NewInMemoryRegistry(logger)
	conns := connregistry.New(logger)
	docs := document.NewStore(logger, engine, sessions, cfg.Document.MaxUpdateBytes)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterGauges(reg, metrics.Gauges{
		Sessions:    sessions.SessionCount,
		Connections: conns.Count,
		Documents:   docs.Len,
	})

	app := &App{
		logger:   logger,
		sessions: sessions,
		conns:    conns,
		docs:     docs,
		relay: relay.New(logger, sessions, conns, docs, metrics.NewRelay(reg), relay.Options{
			ReclaimGrace:    cfg.Session.ReclaimGrace,
			RetainDocuments: cfg.Document.RetainAfterSessionEnd,
		}),
		config: cfg,
		ctx:    rootCtx,
	}
	logger.Info("Session lifecycle configured",
		slog.Duration("reclaimGrace", cfg.Session.ReclaimGrace),
		slog.Bool("retainDocuments", cfg.Document.RetainAfterSessionEnd),
		slog.String("engine", engine.Name()),
	)

	api := &API{logger: logger.With(slog.String("component", "api")), sessions: sessions, relay: app.relay}
	apiMux := http.NewServeMux()
	api.Register(apiMux)

	limiter := middleware.NewRateLimiter(logger, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window)
	restHandler := middleware.Chain(apiMux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		cors.New(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}).Handler,
		limiter.Middleware(),
	)

	mux := http.NewServeMux()
	mux.Handle("/sessions", restHandler)
	mux.Handle("/sessions/", restHandler)
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	mux.Handle("/readyz", http.HandlerFunc(app.readyHandler))
	mux.Handle("/metrics", metrics.Handler(reg))

	connCycler := func(ip string) {
		if app.relay.CloseOldestForIP(ip, errConnectionCycled) {
			logger.Info("Cycling connection: closed oldest", slog.String("ip", ip))
		}
	}
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(logger, connCycler, cfg.Server.ConnectionLimit).Middleware(),
		),
	)

	app.handler = mux
	app.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	app.ready.Store(true)
	return app
}

// Handler is the full HTTP surface, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		return err
	}
}

func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ClientIP(r)
	connLogger := a.logger.With(slog.String("remoteAddr", ip))

	wsConn, err := websocket.Accept(w, r, a.acceptOptions())
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		ip,
		transport.ConnectionConfig{
			ReadTimeout:     a.config.Transport.ReadTimeout,
			SendBuffer:      a.config.Transport.SendBuffer,
			MaxMessageBytes: a.config.Transport.MaxMessageBytes,
			PingInterval:    a.config.Transport.PingInterval,
		},
		a.relay.HandleMessage,
		a.relay.HandleClose,
		a.logger,
	)
	// the relay must know the connection before its first frame arrives
	a.relay.Attach(conn)
	conn.Run()
	<-conn.Done()
}

func (a *App) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range a.config.Server.CORSOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			origin = u.Host
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}
	return opts
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	a.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// hijacked sockets are not covered by http.Server.Shutdown
	a.logger.Info("Closing all active connections...")
	a.relay.Shutdown()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
