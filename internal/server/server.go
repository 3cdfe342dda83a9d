// Package server wires the gateway pipeline and exposes the HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nexusx/gateway/internal/auth"
	"github.com/nexusx/gateway/internal/billing"
	"github.com/nexusx/gateway/internal/bundle"
	"github.com/nexusx/gateway/internal/config"
	"github.com/nexusx/gateway/internal/health"
	"github.com/nexusx/gateway/internal/idgen"
	"github.com/nexusx/gateway/internal/listing"
	"github.com/nexusx/gateway/internal/logging"
	"github.com/nexusx/gateway/internal/metrics"
	"github.com/nexusx/gateway/internal/proxy"
	"github.com/nexusx/gateway/internal/ratelimit"
	"github.com/nexusx/gateway/internal/reliability"
	"github.com/nexusx/gateway/internal/signals"
	"github.com/nexusx/gateway/internal/tasks"
	"github.com/nexusx/gateway/internal/traces"
	"github.com/nexusx/gateway/internal/x402"
)

const shutdownGrace = 10 * time.Second

// Server wraps the HTTP server and the gateway pipeline dependencies.
type Server struct {
	cfg *config.Config

	authenticator *auth.Authenticator
	resolver      *listing.Resolver
	limiter       *ratelimit.Limiter
	proxyEngine   *proxy.Engine
	biller        *billing.Biller
	bundleEngine  *bundle.Engine
	bundleHandler *bundle.Handler
	challenger    *x402.Challenger
	aggregator    *reliability.Aggregator
	bus           *signals.Bus
	emitter       signals.Emitter
	queue         *tasks.Queue
	checks        *health.Registry

	// In-memory fallbacks kept for tests and single-node runs.
	listingStore *listing.MemoryStore
	keyStore     *auth.MemoryStore
	txStore      billing.Store
	bundleStore  bundle.Store

	db           *sql.DB // nil if using in-memory stores
	redisStore   *reliability.RedisStore
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	traceStop    func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server instance with every pipeline stage wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.queue = tasks.NewQueue(s.logger)

	if cfg.SignalsSinkURL != "" {
		s.bus = signals.NewBus(signals.NewHTTPSink(cfg.SignalsSinkURL), s.logger)
		s.emitter = s.bus
	} else {
		s.emitter = signals.NopEmitter{}
		s.logger.Info("demand signals disabled (no SIGNALS_SINK_URL set)")
	}

	var (
		listingStore listing.Store
		keyStore     auth.Store
		txStore      billing.Store
		bundleStore  bundle.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		listingStore = listing.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		txStore = billing.NewPostgresStore(db)
		bundleStore = bundle.NewPostgresStore(db)
		s.checks.Register("database", func(ctx context.Context) error { return db.PingContext(ctx) })
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.listingStore = listing.NewMemoryStore()
		s.keyStore = auth.NewMemoryStore()
		memTx := billing.NewMemoryStore()
		listingStore = s.listingStore
		keyStore = s.keyStore
		txStore = memTx
		bundleStore = bundle.NewMemoryStore(memTx)
		s.logger.Warn("using in-memory storage, data will not survive restarts")
	}
	s.txStore = txStore
	s.bundleStore = bundleStore

	var reliabilityStore reliability.Store
	if cfg.RedisURL != "" {
		store, err := reliability.NewRedisStore(cfg.RedisURL, cfg.ReliabilityMaxEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisStore = store
		reliabilityStore = store
		s.checks.Register("redis", store.Ping)
		s.logger.Info("using Redis reliability store")
	} else {
		reliabilityStore = reliability.NewMemoryStore(int(cfg.ReliabilityMaxEntries))
	}

	s.authenticator = auth.NewAuthenticator(keyStore)
	s.resolver = listing.NewResolver(listingStore, cfg.RouteCacheTTL, s.logger)
	s.limiter = ratelimit.NewLimiter(s.logger)
	s.proxyEngine = proxy.NewEngine(cfg.UpstreamTimeout, cfg.MaxResponseSize, s.logger)
	s.biller = billing.NewBiller(txStore, s.emitter, s.queue, cfg.PlatformFeeRate, s.logger)
	s.bundleEngine = bundle.NewEngine(bundleStore, s.resolver, cfg.BundleSessionTTL, cfg.BundlePlatformFeeRate, s.logger)
	s.bundleHandler = bundle.NewHandler(s.bundleEngine)
	s.aggregator = reliability.NewAggregator(reliabilityStore, s.logger)

	if cfg.X402Enabled {
		facilitator := x402.NewFacilitator(cfg.X402FacilitatorURL)
		s.challenger = x402.NewChallenger(s.resolver, facilitator, s.emitter,
			cfg.X402Network, cfg.X402PlatformAddress, cfg.SandboxEnabled, 60, s.logger)
		s.logger.Info("pay-per-call enabled",
			"network", cfg.X402Network, "facilitator", cfg.X402FacilitatorURL)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.NewUUID()
		}
		c.Set(auth.RequestIDContextKey, requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-NexusX-Request-Id", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// admissionMiddleware picks the admission mode for the hot path: requests
// presenting an API key authenticate against the key store; bare requests
// fall through to pay-per-call when it is enabled.
func (s *Server) admissionMiddleware() gin.HandlerFunc {
	keyAuth := auth.Middleware(s.authenticator, s.queue, s.logger)
	var payPerCall gin.HandlerFunc
	if s.challenger != nil {
		payPerCall = s.challenger.Middleware()
	}
	return func(c *gin.Context) {
		if auth.ExtractSecret(c.Request) != "" || payPerCall == nil {
			keyAuth(c)
			return
		}
		payPerCall(c)
	}
}

func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodySize)
		}
		c.Next()
	}
}

// Run starts the server and blocks until a termination signal, a fatal
// server error, or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.traceStop = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.UpstreamTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background loops: signal drain, cache sweeper, limiter cleaner,
	// bundle expiry.
	if s.bus != nil {
		go s.bus.Start(runCtx)
	}
	s.resolver.Start(runCtx)
	s.limiter.Start(runCtx)
	s.bundleEngine.StartSweeper(runCtx, time.Minute)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("gateway ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests, stops background loops and awaits
// the pending fire-and-forget writes.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	// Stop sweepers and the signal drain loop, then flush.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.bus != nil {
		s.bus.Wait()
		s.logger.Info("signal bus drained")
	}

	// Await pending transaction and reliability writes.
	s.queue.Close()
	s.logger.Info("task queue drained")

	if s.traceStop != nil {
		if err := s.traceStop(context.Background()); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}
	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("gateway stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "invalid-dsn"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func memStats() gin.H {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return gin.H{
		"allocMb":      m.Alloc / (1 << 20),
		"sysMb":        m.Sys / (1 << 20),
		"numGc":        m.NumGC,
		"goroutines":   runtime.NumGoroutine(),
		"numCpu":       runtime.NumCPU(),
		"lastGcPause":  time.Duration(m.PauseNs[(m.NumGC+255)%256]).String(),
		"heapObjects":  m.HeapObjects,
		"stackInUseMb": m.StackInuse / (1 << 20),
	}
}
