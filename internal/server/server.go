// Package server wires the billing engine together: stores, services,
// side-effect providers, middleware, and the HTTP surface.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/condohq/seatbill/internal/admin"
	"github.com/condohq/seatbill/internal/auth"
	"github.com/condohq/seatbill/internal/circuitbreaker"
	"github.com/condohq/seatbill/internal/config"
	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/eventstream"
	"github.com/condohq/seatbill/internal/health"
	"github.com/condohq/seatbill/internal/lifecycle"
	"github.com/condohq/seatbill/internal/logging"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/notify"
	"github.com/condohq/seatbill/internal/payments"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/ratelimit"
	"github.com/condohq/seatbill/internal/retry"
	"github.com/condohq/seatbill/internal/scheduler"
	"github.com/condohq/seatbill/internal/seats"
	"github.com/condohq/seatbill/internal/security"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/upgrade"
	"github.com/condohq/seatbill/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	tenants   tenant.Store
	events    events.Store
	pricing   *pricing.Service
	seats     *seats.Manager
	machine   *lifecycle.Machine
	upgrades  *upgrade.Service
	scheduler *scheduler.Scheduler
	admin     *admin.Service

	dispatcher *payments.Dispatcher
	notifier   *notify.Sender
	streamHub  *eventstream.Hub
	breaker    *circuitbreaker.Breaker

	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// The pricing store seeds itself with the configured default on first
	// start; after that the stored value wins.
	seed := pricing.GlobalConfig{
		DefaultSeatPrice: cfg.DefaultSeatPriceDecimal(),
		Currency:         cfg.Currency,
	}

	var (
		evts     events.Store
		cfgStore pricing.ConfigStore
		requests upgrade.Store
		runs     scheduler.RunStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Postgres often starts alongside us; wait out its boot window.
		if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		eventStore := events.NewPostgresStore(db)
		if err := eventStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate event store", "error", err)
		}
		evts = eventStore

		tenantStore := tenant.NewPostgresStore(db, eventStore)
		if err := tenantStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate tenant store", "error", err)
		}
		s.tenants = tenantStore

		pricingStore := pricing.NewPostgresConfigStore(db, seed)
		if err := pricingStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate pricing config store", "error", err)
		}
		cfgStore = pricingStore

		upgradeStore := upgrade.NewPostgresStore(db)
		if err := upgradeStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate upgrade request store", "error", err)
		}
		requests = upgradeStore

		runStore := scheduler.NewPostgresRunStore(db)
		if err := runStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate scheduler run store", "error", err)
		}
		runs = runStore
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		evts = events.NewMemoryStore()
		s.tenants = tenant.NewMemoryStore(evts)
		cfgStore = pricing.NewMemoryConfigStore(seed)
		requests = upgrade.NewMemoryStore()
		runs = scheduler.NewMemoryRunStore(cfg.SchedulerHistorySize)
	}
	s.events = evts

	// Core services
	s.pricing = pricing.NewService(cfgStore, evts, s.logger)
	s.seats = seats.NewManager(s.tenants, s.logger)
	s.machine = lifecycle.NewMachine(s.tenants, s.pricing, cfg.SuspendAfterDays, s.logger)
	s.upgrades = upgrade.NewService(requests, s.tenants, s.pricing, evts, s.logger)
	s.scheduler = scheduler.New(s.tenants, s.machine, runs, cfg.SweepSchedule, s.logger)
	s.admin = admin.NewService(s.tenants, s.pricing, cfg.GracePeriodDays, s.logger)

	// Outbound providers. One breaker instance, one key per destination, so
	// Stripe and the email provider trip independently.
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.dispatcher = payments.NewDispatcher(cfg.StripeSecretKey, cfg.Currency, s.breaker, s.logger)
	if s.dispatcher.Enabled() {
		s.logger.Info("stripe charge dispatch enabled")
	} else {
		s.logger.Info("stripe charge dispatch disabled (no STRIPE_SECRET_KEY)")
	}
	// The email endpoint is operator-supplied. Production refuses loopback,
	// private, and metadata targets rather than let the engine POST to them.
	emailURL := cfg.EmailAPIURL
	if emailURL != "" && cfg.IsProduction() {
		if err := security.ValidateEndpointURL(emailURL); err != nil {
			s.logger.Warn("EMAIL_API_URL rejected, email notifications disabled", "error", err)
			emailURL = ""
		}
	}
	s.notifier = notify.NewSender(emailURL, cfg.EmailAPIKey, s.breaker, s.logger)
	if s.notifier.Enabled() {
		s.logger.Info("email notifications enabled")
	} else {
		s.logger.Info("email notifications disabled (no EMAIL_API_URL)")
	}

	// Live billing event feed for the operator console
	s.streamHub = eventstream.NewHub(s.logger)
	s.events.SetSink(s.streamHub.Broadcast)

	s.wireSideEffects()
	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wireSideEffects connects lifecycle transitions and upgrade resolutions to
// the outbound providers. Hooks run synchronously on the mutating request's
// goroutine, so everything here either enqueues or hands off to a goroutine;
// the outcome of a handoff is recorded but never awaited.
func (s *Server) wireSideEffects() {
	s.machine.OnTransition(func(tr lifecycle.Transition) {
		t := tr.Tenant
		switch tr.To {
		case tenant.StatusPendingPayment:
			s.notifier.Send(notify.InvoiceDue(t))
			if s.dispatcher.Enabled() {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					// Logs and counts its own failures.
					_, _ = s.dispatcher.DispatchInvoice(ctx, t)
				}()
			}
		case tenant.StatusPastDue:
			s.notifier.Send(notify.PaymentOverdue(t))
		case tenant.StatusSuspended:
			s.notifier.Send(notify.TenantSuspended(t))
			s.rejectPendingUpgrade(t.ID, "tenant suspended")
		case tenant.StatusCancelled:
			s.rejectPendingUpgrade(t.ID, "tenant cancelled")
		}
	})

	// Receipt delivery handoff status flows back into the payment result so
	// the confirm-payment response can report it.
	s.machine.OnPayment(func(res *lifecycle.PaymentResult) {
		res.EmailDispatch = string(s.notifier.Send(notify.PaymentReceipt(res.Tenant, res.Applied, res.Confirmed)))
	})

	s.upgrades.SetResolvedHook(func(t *tenant.Tenant, r *upgrade.Request) {
		if t == nil {
			// Auto-reject path. The tenant just went suspended or cancelled
			// and that notice already went out.
			return
		}
		s.notifier.Send(notify.UpgradeResolved(t, r.Status == upgrade.StatusApproved, r.RequestedSeats))
	})
}

// rejectPendingUpgrade closes the tenant's open upgrade request, if any,
// off the hook goroutine.
func (s *Server) rejectPendingUpgrade(tenantID, cause string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.upgrades.AutoRejectPending(ctx, tenantID, cause)
	}()
}

func (s *Server) registerHealthChecks() {
	s.checks = health.NewRegistry()

	if s.db != nil {
		s.checks.Register("database", s.db.PingContext)
	}

	s.checks.Register("scheduler", func(context.Context) error {
		return s.scheduler.Healthy()
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS. The engine sits behind the platform gateway; browsers only ever
	// reach it through the operator console.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = s.cfg.RateLimitRPS
	}
	if s.cfg.RateLimitBurst > 0 {
		rlCfg.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from the gateway, load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Operational endpoints, no identity required
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Stripe calls back here; the signature check is the authentication.
	webhookHandler := payments.NewWebhookHandler(s.tenants, s.machine, s.cfg.StripeWebhookSecret, s.logger)
	webhookHandler.RegisterRoutes(s.router.Group(""))

	// Everything under /v1 arrives through the platform gateway, which
	// authenticates the caller and forwards identity headers.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.cfg.InternalAPISecret))
	v1.Use(validation.TenantParamMiddleware())

	seatsHandler := seats.NewHandler(s.seats, s.tenants, s.pricing)
	pricingHandler := pricing.NewHandler(s.pricing, s.tenants)
	upgradeHandler := upgrade.NewHandler(s.upgrades)
	schedulerHandler := scheduler.NewHandler(s.scheduler)
	adminHandler := admin.NewHandler(s.admin, s.tenants, s.seats, s.machine, s.upgrades, s.events)

	// Tenant-scoped surface. Role guards are per route: seat and preview
	// endpoints accept any tenant actor, upgrade and scheduler routes
	// tighten further inside their handlers.
	billing := v1.Group("/billing")
	seatsHandler.RegisterRoutes(billing)
	pricingHandler.RegisterTenantRoutes(billing)
	upgradeHandler.RegisterRoutes(billing)
	schedulerHandler.RegisterRoutes(billing)

	// Platform operator surface
	superAdmin := v1.Group("/super-admin", auth.RequireSuperAdmin())
	adminHandler.RegisterRoutes(superAdmin)
	pricingHandler.RegisterAdminRoutes(superAdmin)

	// Live billing event feed for support dashboards
	superAdmin.GET("/billing/events/stream", func(c *gin.Context) {
		s.streamHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

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

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start billing scheduler: %w", err)
	}

	go s.streamHub.Run(runCtx)
	s.notifier.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"sweep_schedule", s.cfg.SweepSchedule,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub, notifier, stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Let an in-flight sweep finish before the stores go away.
	select {
	case <-s.scheduler.Stop().Done():
		s.logger.Info("billing scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("billing sweep still running at shutdown deadline")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
