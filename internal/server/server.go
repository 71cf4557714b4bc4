// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/workescrow/internal/auth"
	"github.com/mbd888/workescrow/internal/config"
	"github.com/mbd888/workescrow/internal/escrow"
	"github.com/mbd888/workescrow/internal/health"
	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/internal/metrics"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/provision"
	"github.com/mbd888/workescrow/internal/ratelimit"
	"github.com/mbd888/workescrow/internal/realtime"
	"github.com/mbd888/workescrow/internal/reconcile"
	"github.com/mbd888/workescrow/internal/security"
	"github.com/mbd888/workescrow/internal/txledger"
	"github.com/mbd888/workescrow/internal/validation"
)

// shutdownDrain gives load balancers time to stop sending traffic.
var shutdownDrain = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	deps           *Deps
	authMgr        *auth.Manager
	reconcileTimer *reconcile.Timer
	stream         *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	version        string
	depsOpts       []DepsOption
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and build_info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDepsOptions forwards options to OpenDeps (for testing).
func WithDepsOptions(opts ...DepsOption) Option {
	return func(s *Server) {
		s.depsOpts = append(s.depsOpts, opts...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.stream = realtime.NewHub(s.logger)
	depsOpts := append([]DepsOption{WithStream(s.stream)}, s.depsOpts...)
	deps, err := OpenDeps(context.Background(), cfg, s.logger, depsOpts...)
	if err != nil {
		return nil, err
	}
	s.deps = deps

	authMgr, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		_ = deps.Close(s.logger)
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}
	s.authMgr = authMgr

	s.reconcileTimer = reconcile.NewTimer(deps.Reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry()
	s.health.Register("rpc", health.RPCChecker(deps.Gateway))
	if deps.DB != nil {
		s.health.Register("database", health.DBChecker(deps.DB))
	}
	if deps.Redis != nil {
		s.health.Register("redis", health.RedisChecker(deps.Redis))
	}
	s.health.Register("reconciler", health.ReconcilerChecker(s.reconcileTimer, 3*cfg.ReconcileInterval, nil), health.Optional())

	metrics.BuildInfo.WithLabelValues(s.version, strconv.FormatInt(cfg.ChainID, 10)).Set(1)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	s.router.Use(security.RequestIDMiddleware())
	s.router.Use(s.loggerMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

// loggerMiddleware puts the server logger in the request context so
// handlers and services pick up the request ID.
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), s.logger))
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
				"latencyMs", latency.Milliseconds(),
				"clientIp", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	health.NewHandler(s.health, s.version).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(validation.IDParamMiddleware())

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole(auth.RoleAdmin))

	escrowHandler := escrow.NewHandler(s.deps.Escrow)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	provisionHandler := provision.NewHandler(s.deps.Provisioner)
	provisionHandler.RegisterRoutes(v1)
	provisionHandler.RegisterProtectedRoutes(protected)

	milestoneHandler := milestone.NewHandler(s.deps.Milestones, s.deps.Jobs)
	milestoneHandler.RegisterRoutes(v1)
	milestoneHandler.RegisterAdminRoutes(admin)

	reconcile.NewHandler(s.deps.Reconciler).RegisterAdminRoutes(admin)

	txledger.NewHandler(s.deps.Ledger.Store()).RegisterProtectedRoutes(protected)

	s.stream.RegisterRoutes(v1)

	authHandler := auth.NewHandler(s.authMgr)
	protected.GET("/auth/me", authHandler.Me)
	admin.POST("/tokens", authHandler.IssueToken)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the transition stream and the reconciliation
// timer, and blocks until a signal, ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Writes wait for chain confirmations.
		WriteTimeout: s.cfg.ConfirmationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chainId", s.cfg.ChainID,
			"factory", s.cfg.FactoryAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconcileTimer.Start(runCtx)
	go s.stream.Run(runCtx)
	go metrics.StartStatsCollector(runCtx, metrics.StatsSource{DB: s.deps.DB, Redis: s.deps.Redis}, 15*time.Second)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests that are
// waiting on a chain confirmation get the HTTP shutdown window to finish;
// anything cut short is picked up by the next reconciliation pass.
func (s *Server) Shutdown() error {
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.httpSrv != nil {
		time.Sleep(shutdownDrain)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := s.deps.Close(s.logger); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Deps returns the wired services (for testing and operator tooling).
func (s *Server) Deps() *Deps {
	return s.deps
}

// AuthManager returns the token manager.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
