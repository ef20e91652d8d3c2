// Package server wires the ledger, auction service, realtime hub and HTTP
// API into one process.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/yoshidan/anchor-auction/internal/auction"
	"github.com/yoshidan/anchor-auction/internal/auth"
	"github.com/yoshidan/anchor-auction/internal/clock"
	"github.com/yoshidan/anchor-auction/internal/config"
	"github.com/yoshidan/anchor-auction/internal/health"
	"github.com/yoshidan/anchor-auction/internal/ledger"
	"github.com/yoshidan/anchor-auction/internal/logging"
	"github.com/yoshidan/anchor-auction/internal/metrics"
	"github.com/yoshidan/anchor-auction/internal/ratelimit"
	"github.com/yoshidan/anchor-auction/internal/realtime"
	"github.com/yoshidan/anchor-auction/internal/security"
	"github.com/yoshidan/anchor-auction/internal/traces"
	"github.com/yoshidan/anchor-auction/internal/validation"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	ledger          *ledger.Ledger
	clock           clock.Oracle
	auctions        *auction.Service
	auctionTimer    *auction.Timer
	realtimeHub     *realtime.Hub
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // stops the workers started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithLedger sets the ledger instead of building one from the config (for testing)
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithClock sets the clock oracle (for testing)
func WithClock(c clock.Oracle) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a server. Without DATABASE_URL the ledger is in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if s.ledger == nil {
		if err := s.openLedger(context.Background()); err != nil {
			return nil, err
		}
	}
	if s.clock == nil {
		s.clock = clock.NewLedger(time.Duration(cfg.ClockOffsetSeconds) * time.Second)
	}

	program, err := auction.NewProgram(cfg.Program())
	if err != nil {
		return nil, fmt.Errorf("derive program authority: %w", err)
	}
	s.logger.Info("auction program loaded",
		"program_id", program.ID.String(),
		"authority", program.Authority.String(),
	)

	s.realtimeHub = realtime.NewHub(s.logger).WithOrigins(cfg.CORSOrigins)
	s.auctions = auction.NewService(s.ledger, program, s.clock).WithEvents(s.realtimeHub)
	s.auctionTimer = auction.NewTimer(s.auctions, cfg.EndedScanInterval, s.logger)

	s.registerCheck("ledger", s.ledger.Store().Ping)
	s.registerCheck("clock", func(ctx context.Context) error {
		_, err := s.clock.Now(ctx)
		return err
	})
	s.registerCheck("auction_timer", func(context.Context) error {
		if !s.ready.Load() || s.auctionTimer.Running() {
			return nil
		}
		return errTimerStopped
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

var errTimerStopped = errors.New("auction timer is not running")

// openLedger connects to Postgres, applies migrations and builds the ledger
// on it; with no DATABASE_URL it builds an in-memory ledger.
func (s *Server) openLedger(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.logger.Info("using in-memory ledger (demo mode)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("connect to database: %w", err)
	}
	store := ledger.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate ledger store: %w", err)
	}

	s.db = db
	s.ledger = ledger.New(store)
	s.logger.Info("using PostgreSQL ledger", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// registerCheck adds a health check that fails with fn's error.
func (s *Server) registerCheck(name string, fn func(context.Context) error) {
	s.health.Register(name, func(ctx context.Context) health.Status {
		st := health.Status{Name: name, Healthy: true}
		if err := fn(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	})
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ForRate(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for auction events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())
	// Verify X-Signer/X-Signature when present; commands require them below
	v1.Use(auth.Middleware())

	auctionHandler := auction.NewHandler(s.auctions)
	auctionHandler.RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	protected := v1.Group("")
	protected.Use(auth.RequireSigner())
	auctionHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
			logging.L(ctx).Warn("health check failed", "check", st.Name, "detail", st.Detail)
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs the realtime hub and auction timer until ctx
// is done or SIGINT/SIGTERM arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     Version,
		Environment: s.cfg.Env,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		cancel()
		return fmt.Errorf("listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	var workers errgroup.Group
	workers.Go(func() error { s.realtimeHub.Run(runCtx); return nil })
	workers.Go(func() error { s.auctionTimer.Start(runCtx); return nil })
	if s.db != nil {
		workers.Go(func() error { metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second); return nil })
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	s.ready.Store(true)
	s.logger.Info("server ready", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		cancel()
		_ = workers.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}

	err = s.Shutdown()
	_ = workers.Wait()
	return err
}

// Shutdown reports not-ready, waits drainDelay for load balancers to
// notice, then stops HTTP and the background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown", "drain", s.drainDelay)
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if shutdownErr = s.httpSrv.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error("shutdown error", "error", shutdownErr)
		}
	}

	// Background workers and hijacked WebSocket connections stop with runCtx.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.auctionTimer.Stop()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auctions returns the auction service.
func (s *Server) Auctions() *auction.Service {
	return s.auctions
}

// Ledger returns the ledger the server runs on.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}
