// Package server sets up the HTTP server with all routes
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/audit"
	"github.com/localmarket/paycore/internal/auth"
	"github.com/localmarket/paycore/internal/business"
	"github.com/localmarket/paycore/internal/circuitbreaker"
	"github.com/localmarket/paycore/internal/config"
	"github.com/localmarket/paycore/internal/health"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/metrics"
	"github.com/localmarket/paycore/internal/notify"
	"github.com/localmarket/paycore/internal/payments"
	"github.com/localmarket/paycore/internal/payouts"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/localmarket/paycore/internal/ratelimit"
	"github.com/localmarket/paycore/internal/respond"
	"github.com/localmarket/paycore/internal/security"
	"github.com/localmarket/paycore/internal/tax"
	"github.com/localmarket/paycore/internal/traces"
	"github.com/localmarket/paycore/internal/validation"
)

// devWebhookSecret signs events produced by the in-process fake gateway.
const devWebhookSecret = "whsec_dev_fake_gateway"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config
	db  *sql.DB // nil if using in-memory

	gateway processor.Gateway
	breaker *circuitbreaker.Breaker

	authMgr     *auth.Manager
	directory   business.Directory
	auditLog    audit.Logger
	guard       *audit.Guard
	exemptions  tax.ExemptionStore
	calculator  *tax.Calculator
	notifyStore notify.Store
	notifier    *notify.Dispatcher

	paymentStore payments.Store
	payoutStore  payouts.Store
	payments     *payments.Service
	payouts      *payouts.Service

	reconcileTimer *payments.Timer
	sweeper        *payouts.Sweeper

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay time.Duration

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

// WithGateway replaces the processor gateway (for testing). It is still
// wrapped with timeouts and the circuit breaker.
func WithGateway(g processor.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithDB uses an already opened database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		shutdownDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     cfg.Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
	}
	s.setupStores()

	if err := s.setupGateway(); err != nil {
		return nil, err
	}
	s.setupServices()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.setupHealth()

	if s.db == nil && cfg.IsDevelopment() {
		s.bootstrapAdminKey(ctx)
	}

	s.healthy.Store(true)

	return s, nil
}

// setupStores picks Postgres stores when a database is configured and
// in-memory stores otherwise.
func (s *Server) setupStores() {
	if s.db != nil {
		s.payoutStore = payouts.NewPostgresStore(s.db)
		s.paymentStore = payments.NewPostgresStore(s.db)
		s.auditLog = audit.NewPostgresLogger(s.db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(s.db))
		s.directory = business.NewPostgresDirectory(s.db)
		s.exemptions = tax.NewPostgresStore(s.db)
		s.notifyStore = notify.NewPostgresStore(s.db)
		return
	}

	s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	payoutStore := payouts.NewMemoryStore()
	s.payoutStore = payoutStore
	s.paymentStore = payments.NewMemoryStore(payoutStore)
	s.auditLog = audit.NewMemoryLogger()
	s.authMgr = auth.NewManager(auth.NewMemoryStore())
	s.directory = business.NewMemoryDirectory()
	s.exemptions = tax.NewMemoryStore()
	s.notifyStore = notify.NewMemoryStore()
}

// setupGateway selects Stripe or the in-process fake and wraps it with
// the per-call timeout, retries and circuit breaker.
func (s *Server) setupGateway() error {
	if s.gateway == nil {
		switch {
		case s.cfg.StripeSecretKey != "":
			s.gateway = processor.NewStripeGateway(processor.StripeConfig{
				SecretKey:     s.cfg.StripeSecretKey,
				WebhookSecret: s.cfg.StripeWebhookSecret,
				Timeout:       s.cfg.ProcessorTimeout,
			})
			s.logger.Info("using Stripe payment processor")
		case s.cfg.IsProduction():
			return errors.New("STRIPE_SECRET_KEY is required in production")
		default:
			secret := s.cfg.StripeWebhookSecret
			if secret == "" {
				secret = devWebhookSecret
			}
			s.gateway = processor.NewFake(secret)
			s.logger.Warn("STRIPE_SECRET_KEY not set, using the in-process fake processor")
		}
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("processor circuit changed state", "operation", key, "from", from.String(), "to", to.String())
	})
	s.gateway = processor.NewGuarded(s.gateway, s.cfg.ProcessorTimeout, s.cfg.ProcessorRetries, s.breaker)
	return nil
}

func (s *Server) setupServices() {
	guardCfg := audit.DefaultGuardConfig()
	if s.cfg.AuditRateLimit > 0 {
		guardCfg.RateLimit = s.cfg.AuditRateLimit
	}
	if s.cfg.AuditRateWindow > 0 {
		guardCfg.RateWindow = s.cfg.AuditRateWindow
	}
	s.guard = audit.NewGuard(s.auditLog, guardCfg)

	s.calculator = tax.NewCalculator(tax.DefaultRateTable(), s.exemptions)
	s.notifier = notify.NewDispatcher(s.notifyStore, notify.DefaultConfig())

	paymentCfg := payments.DefaultConfig()
	paymentCfg.FeePercent = s.cfg.PlatformFeePercent
	if s.cfg.EscrowHoldPeriod > 0 {
		paymentCfg.HoldPeriod = s.cfg.EscrowHoldPeriod
	}
	s.payments = payments.NewService(s.paymentStore, s.gateway, s.directory, s.guard, paymentCfg).
		WithTaxCalculator(s.calculator).
		WithNotifier(s.notifier)

	payoutCfg := payouts.DefaultConfig()
	payoutCfg.MinimumAmount = s.cfg.MinPayoutAmount
	s.payouts = payouts.NewService(s.payoutStore, s.gateway, s.directory, s.guard, payoutCfg).
		WithNotifier(s.notifier)

	if s.cfg.ReconcileInterval > 0 {
		s.reconcileTimer = payments.NewTimer(payments.NewReconciler(s.payments, s.paymentStore), s.cfg.ReconcileInterval, s.logger)
	}
	if s.cfg.PayoutSweepInterval > 0 {
		s.sweeper = payouts.NewSweeper(s.payouts, s.cfg.PayoutSweepInterval, s.logger)
	}
}

func (s *Server) setupHealth() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("processor", health.Breaker("processor", s.breaker,
		processor.OpCreateIntent, processor.OpConfirmIntent, processor.OpCaptureIntent,
		processor.OpRefund, processor.OpCreatePayout))
	if s.reconcileTimer != nil {
		s.health.Register("reconciler", health.Timer("reconciler", s.reconcileTimer.Running))
	}
	if s.sweeper != nil {
		s.health.Register("payout_sweeper", health.Timer("payout_sweeper", s.sweeper.Running))
	}
}

// bootstrapAdminKey issues an admin key for the in-memory development
// server, which otherwise has no way to create one.
func (s *Server) bootstrapAdminKey(ctx context.Context) {
	raw, _, err := s.authMgr.GenerateKey(ctx, "usr_dev_admin", auth.RoleAdmin, "development bootstrap")
	if err != nil {
		s.logger.Warn("failed to issue development admin key", "error", err)
		return
	}
	s.logger.Warn("issued development admin key (in-memory storage only)", "api_key", raw)
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
		respond.Fail(c, errors.New("panic recovered"))
	}))

	s.router.Use(security.Headers(s.cfg.IsProduction()))

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORS(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.correlationIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// correlationIDMiddleware tags the request with a correlation id that flows
// into logs, audit entries and response envelopes.
func (s *Server) correlationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = c.GetHeader("X-Request-ID")
		}
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Correlation-ID", id)

		c.Next()
	}
}

// loggingMiddleware logs one line per request: server errors at error,
// client errors at warn, and the rest at debug except for money-moving
// writes, which stay at info.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case c.Request.Method != http.MethodGet:
			level = slog.LevelInfo
		}

		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "request completed",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// actorMiddleware turns the validated API key into the audit actor that
// services authorize against.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key, ok := auth.GetAPIKey(c); ok {
			ctx := audit.WithActor(c.Request.Context(), audit.Actor{
				UserID: key.UserID,
				Role:   string(key.Role),
				IP:     c.ClientIP(),
			})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// requireBusinessOwner allows admins and the owner of the :id business.
func (s *Server) requireBusinessOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := auth.GetAPIKey(c)
		if !ok {
			respond.Fail(c, apperr.New(apperr.KindUnauthorized, "API key required"))
			return
		}
		if key.Role == auth.RoleAdmin {
			c.Next()
			return
		}
		b, err := s.directory.GetBusiness(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Fail(c, err)
			return
		}
		if b.OwnerID != key.UserID {
			respond.Fail(c, apperr.New(apperr.KindForbidden, "you do not own this business"))
			return
		}
		c.Next()
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
	v1.Use(validation.IDParamMiddleware("id"))

	// Processor webhooks authenticate by signature, not API key.
	payments.NewWebhookHandler(s.gateway, s.paymentStore, s.payments, s.payouts).RegisterRoutes(v1)

	paymentHandler := payments.NewHandler(s.payments)
	payoutHandler := payouts.NewHandler(s.payouts)
	businessHandler := business.NewHandler(s.directory)
	taxHandler := tax.NewHandler(s.calculator, s.exemptions, business.Resolver{Directory: s.directory})
	auditHandler := audit.NewHandler(s.auditLog)
	authHandler := auth.NewHandler(s.authMgr)
	notifyHandler := notify.NewHandler(s.notifyStore, s.cfg.IsProduction())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		IdleTTL:           5 * time.Minute,
	})

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), actorMiddleware(), s.rateLimiter.Middleware())
	{
		paymentHandler.RegisterRoutes(protected)
		payoutHandler.RegisterRoutes(protected)
		taxHandler.RegisterRoutes(protected)
		authHandler.RegisterRoutes(protected)
	}

	owned := protected.Group("")
	owned.Use(auth.RequireRole(auth.RoleOwner), s.requireBusinessOwner())
	{
		paymentHandler.RegisterOwnerRoutes(owned)
		payoutHandler.RegisterOwnerRoutes(owned)
		businessHandler.RegisterOwnerRoutes(owned)
		auditHandler.RegisterOwnerRoutes(owned)
		taxHandler.RegisterBusinessRoutes(owned)
		notifyHandler.RegisterOwnerRoutes(owned)
	}

	admin := protected.Group("")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	{
		payoutHandler.RegisterAdminRoutes(admin)
		businessHandler.RegisterAdminRoutes(admin)
		taxHandler.RegisterAdminRoutes(admin)
		authHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
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
		Version:   s.cfg.Version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ProcessorTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("serving", "addr", ln.Addr().String(), "env", s.cfg.Env)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	if s.sweeper != nil {
		go s.sweeper.Start(runCtx)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		s.ready.Store(false)
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(sigCtx))
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciler stopped")
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("payout sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.notifier != nil {
		s.notifier.Wait()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
