// ABOUTME: Gateway orchestrator that wires the desk to storage, delivery, liveness and HTTP
// ABOUTME: Restores open conversations on start and shuts components down in dependency order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/broker"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/desk"
	"github.com/2389/support-gateway/internal/liveness"
	"github.com/2389/support-gateway/internal/outbound"
	"github.com/2389/support-gateway/internal/store"
)

// pinger is a collaborator the readiness probe can check.
type pinger interface {
	Ping(ctx context.Context) error
}

// Gateway owns the support desk and everything around it: the SQLite store
// behind a retrying persister, the outbound delivery pool, the liveness loops
// and the HTTP server carrying the REST API, webhook and WebSocket endpoints.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	persister  *store.Resilient
	deliverer  outbound.Deliverer
	outbox     *outbound.Dispatcher
	desk       *desk.Service
	monitor    *liveness.Monitor
	dedupe     *dedupe.Cache
	verifier   auth.TokenVerifier
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *slog.Logger

	startedAt    time.Time
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway from cfg. It opens the store and, when redis is
// configured, connects the outbound stream; nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	deliverer, err := newDeliverer(ctx, cfg, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	persister := store.NewResilient(sqlStore, store.ResilientConfig{
		WriteTimeout: cfg.Persistence.WriteTimeout,
		MaxPending:   cfg.Persistence.MaxPending,
		MaxAttempts:  cfg.Persistence.MaxAttempts,
		RetryBase:    cfg.Persistence.RetryBase,
		RetryMax:     cfg.Persistence.RetryMax,
	}, logger)

	outbox := outbound.NewDispatcher(deliverer, outbound.DispatcherConfig{
		Workers:     cfg.Outbound.Workers,
		QueueSize:   cfg.Outbound.QueueSize,
		MaxAttempts: cfg.Outbound.MaxAttempts,
		RetryDelay:  cfg.Outbound.RetryDelay,
		Timeout:     cfg.Outbound.Timeout,
	}, logger)

	svc := desk.New(desk.Options{
		LockTimeout: cfg.Registry.LockTimeout,
		Policy:      conversation.PolicyFromMaxAttempts(cfg.Escalation.MaxBotAttempts),
		Broker: broker.Options{
			QueueSize:    cfg.Broker.QueueSize,
			WriteTimeout: cfg.Broker.WriteTimeout,
		},
		Persister: persister,
		Outbox:    outbox,
		Logger:    logger,
	})

	gw := &Gateway{
		config:    cfg,
		store:     sqlStore,
		persister: persister,
		deliverer: deliverer,
		outbox:    outbox,
		desk:      svc,
		monitor: liveness.NewMonitor(svc.Broker(), liveness.Config{
			HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
			ReapInterval:      cfg.Liveness.ReapInterval,
			IdleTimeout:       cfg.Liveness.IdleTimeout,
			TypingTTL:         cfg.Liveness.TypingTTL,
		}, logger),
		dedupe:    dedupe.New(cfg.Inbound.DedupeTTL, cfg.Inbound.DedupeSize),
		upgrader:  newUpgrader(cfg.Server.AllowedOrigins),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	if cfg.DevMode() {
		gw.logger.Warn("no jwt_secret configured, trusting identities from request parameters")
	} else {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	if cfg.Inbound.WebhookSecret == "" {
		gw.logger.Warn("no inbound webhook_secret configured, webhook is unauthenticated")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// newDeliverer picks the Redis stream when a URL is configured and the
// logging deliverer otherwise.
func newDeliverer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (outbound.Deliverer, error) {
	if cfg.Redis.URL == "" {
		logger.Info("redis not configured, outbound messages are logged only")
		return outbound.NewLogDeliverer(logger), nil
	}
	rs, err := outbound.NewRedisStream(ctx, cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.MaxLen, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting outbound stream: %w", err)
	}
	return rs, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Desk returns the support desk the handlers drive.
func (g *Gateway) Desk() *desk.Service { return g.desk }

// Start restores persisted conversations and starts the liveness loops.
// Run calls it; tests that serve Handler directly call it themselves.
func (g *Gateway) Start(ctx context.Context) error {
	n, err := g.desk.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring conversations: %w", err)
	}
	g.logger.Info("gateway started", "restored", n)
	g.monitor.Start(context.WithoutCancel(ctx))
	return nil
}

// Run starts the gateway and blocks until ctx is canceled or the HTTP server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})
	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context, since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gateway. Connections get a shutdown notice before the
// listener closes; queued writes and deliveries are flushed before the store
// closes. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.shuttingDown.Store(true)

		var errs []error
		errs = appendCloseError(errs, "broker shutdown", g.desk.Broker().Shutdown(ctx))
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.monitor.Stop()
		errs = appendCloseError(errs, "persistence flush", g.persister.Close(ctx))
		errs = appendCloseError(errs, "outbound drain", g.outbox.Close(ctx))
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.dedupe.Close()

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// check is one readiness probe result.
type check struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Message   string `json:"message,omitempty"`
}

type readiness struct {
	Status   string           `json:"status"`
	Degraded bool             `json:"degraded"`
	Uptime   string           `json:"uptime"`
	Checks   map[string]check `json:"checks"`
}

// handleReady reports 200 while the gateway accepts traffic. A persistence
// backlog marks the gateway degraded but still ready; the registry keeps
// serving while writes are retried.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readiness{
		Status:   "ready",
		Degraded: g.desk.Degraded(),
		Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
		Checks:   map[string]check{"store": probe(ctx, g.store)},
	}
	if p, ok := g.deliverer.(pinger); ok {
		resp.Checks["outbound"] = probe(ctx, p)
	}

	status := http.StatusOK
	switch {
	case g.shuttingDown.Load():
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	case resp.Degraded:
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func probe(ctx context.Context, p pinger) check {
	start := time.Now()
	err := p.Ping(ctx)
	c := check{Status: "pass", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		c.Status = "fail"
		c.Message = err.Error()
	}
	return c
}
