// Package server sets up the HTTP server and wires the settlement engine
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/crosschain"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/network"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/scheduler"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/traces"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil without REDIS_ADDR

	resolver        *network.Resolver
	settlement      *settlement.Router
	executors       map[string]settlement.Executor
	closers         []func()
	escrowStore     escrow.Store
	crossChainStore crosschain.Store
	escrowService   *escrow.Service
	orchestrator    *crosschain.Orchestrator
	sweeper         *scheduler.Sweeper
	sweepTimer      *scheduler.Timer
	asynqTrigger    *scheduler.AsynqTrigger

	authn       *auth.Authenticator
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithExecutor registers a settlement executor for a network ahead of the
// configured ones (for testing).
func WithExecutor(network string, ex settlement.Executor) Option {
	return func(s *Server) {
		s.executors[network] = ex
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		executors:  make(map[string]settlement.Executor),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(5 * time.Second),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initResolver(); err != nil {
		return nil, err
	}
	if err := s.initStorage(ctx); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.initRedis(ctx); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.initSettlement(); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.initEngine(); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.initScheduler(); err != nil {
		s.closeAll()
		return nil, err
	}

	s.authn = auth.NewAuthenticator(cfg.GatewayTokens, cfg.InternalAPIToken)
	if s.authn.Open() {
		s.logger.Warn("GATEWAY_TOKENS not set, trusting X-User-ID from every caller")
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           2 * time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse the gateway's request ID when it sent one
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authn))
	v1.Use(s.rateLimiter.Middleware())

	escrowHandler := escrow.NewHandler(s.escrowService)
	crossChainHandler := crosschain.NewHandler(s.orchestrator)

	// Public reads
	escrowHandler.RegisterRoutes(v1)
	crossChainHandler.RegisterRoutes(v1)
	v1.GET("/networks", s.networksHandler)

	// End-user mutations, identity vouched for by the gateway
	protected := v1.Group("")
	protected.Use(auth.RequireUser())
	escrowHandler.RegisterProtectedRoutes(protected)

	// Chain watchers, bridge relayers, operators
	internal := v1.Group("/internal")
	internal.Use(auth.RequireInternal(s.authn))
	escrowHandler.RegisterInternalRoutes(internal)
	crossChainHandler.RegisterInternalRoutes(internal)
	internal.POST("/sweeps", s.sweepHandler)
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Networks  []string        `json:"networks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Networks:  s.settlement.Networks(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type networkInfo struct {
	Name       string `json:"name"`
	Family     string `json:"family"`
	Settlement bool   `json:"settlement"`
}

// networksHandler handles GET /v1/networks
func (s *Server) networksHandler(c *gin.Context) {
	settled := make(map[string]bool)
	for _, n := range s.settlement.Networks() {
		settled[n] = true
	}
	tags := network.Supported()
	out := make([]networkInfo, 0, len(tags))
	for _, tag := range tags {
		family, _ := network.FamilyOf(tag)
		out = append(out, networkInfo{
			Name:       string(tag),
			Family:     string(family),
			Settlement: settled[string(tag)],
		})
	}
	c.JSON(http.StatusOK, gin.H{"networks": out, "fallback": s.resolver.Fallback()})
}

// sweepHandler handles POST /v1/internal/sweeps. It runs one sweep now and
// returns its report; a sweep already in flight is reported as skipped.
func (s *Server) sweepHandler(c *gin.Context) {
	report := s.sweeper.Sweep(c.Request.Context())
	status := http.StatusOK
	if report.Skipped {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the deadline scheduler, and blocks until a
// shutdown signal, ctx cancellation, or a fatal component error.
func (s *Server) Run(ctx context.Context) error {
	shutdownTrace, err := traces.Init(ctx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	g, gctx := errgroup.WithContext(runCtx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"networks", s.settlement.Networks(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.runScheduler(gctx)
	})

	if s.db != nil {
		go metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-gctx.Done():
		if ctx.Err() != nil {
			s.logger.Info("context cancelled")
		}
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func (s *Server) runScheduler(ctx context.Context) error {
	if s.asynqTrigger != nil {
		return s.asynqTrigger.Run(ctx)
	}
	s.sweepTimer.Start(ctx)
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the sweep loop first so no settlement starts while draining
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancels the scheduler and collectors; in-flight sweeps see ctx.Done
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeAll()
	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases executors, redis, and the database pool.
func (s *Server) closeAll() {
	for _, closeFn := range s.closers {
		closeFn()
	}
	s.closers = nil

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sweeper returns the deadline sweeper for testing
func (s *Server) Sweeper() *scheduler.Sweeper {
	return s.sweeper
}
