// Package server sets up the HTTP server with all routes
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/monetize/internal/app"
	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/circuitbreaker"
	"github.com/mbd888/monetize/internal/config"
	"github.com/mbd888/monetize/internal/eventbus"
	"github.com/mbd888/monetize/internal/health"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/metrics"
	"github.com/mbd888/monetize/internal/modules/newsletter"
	"github.com/mbd888/monetize/internal/modules/payments"
	"github.com/mbd888/monetize/internal/notify"
	"github.com/mbd888/monetize/internal/ratelimit"
	"github.com/mbd888/monetize/internal/realtime"
	"github.com/mbd888/monetize/internal/security"
	"github.com/mbd888/monetize/internal/settings"
	"github.com/mbd888/monetize/internal/tenant"
	"github.com/mbd888/monetize/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	cfg          *config.Config
	app          *app.App
	stores       *app.Stores
	provider     payments.Provider
	mailingList  newsletter.MailingList
	publisher    eventbus.Publisher
	realtimeHub  *realtime.Hub
	health       *health.Registry
	breaker      *circuitbreaker.Breaker
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
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

// WithStores replaces the stores chosen from DATABASE_URL (for testing)
func WithStores(st app.Stores) Option {
	return func(s *Server) {
		s.stores = &st
	}
}

// WithPaymentProvider replaces the Stripe client (for testing)
func WithPaymentProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithMailingList replaces the Mailchimp client (for testing)
func WithMailingList(l newsletter.MailingList) Option {
	return func(s *Server) {
		s.mailingList = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(2 * time.Second),
		breaker: circuitbreaker.New(5, 30*time.Second),
	}

	// Apply options first (may set stores/provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.stores == nil {
		stores, err := s.openStores(ctx)
		if err != nil {
			return nil, err
		}
		s.stores = &stores
	}

	set, err := settings.Load(ctx, s.stores.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	applyEnvOverrides(set, cfg)

	if s.provider == nil {
		s.provider = payments.NewStripeProvider(func() string {
			return set.String("apis.stripe.secret_key", "")
		}, cfg.ProviderTimeout).WithBreaker(s.breaker)
	}
	if s.mailingList == nil {
		s.mailingList = newsletter.NewMailchimpClient(func() (string, string) {
			return set.String("apis.mailchimp.api_key", ""), set.String("apis.mailchimp.audience_id", "")
		}, cfg.ProviderTimeout).WithBreaker(s.breaker)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(ctx, cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
		notifier = notify.NewHTTPNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.ProviderTimeout).
			WithDialer(security.SafeDialer(cfg.ProviderTimeout))
		s.logger.Info("tenant notifications enabled")
	}

	s.publisher = eventbus.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = eventbus.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		s.logger.Info("event bus enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.app, err = app.New(app.Config{
		Stores:      *s.stores,
		Settings:    set,
		Provider:    s.provider,
		MailingList: s.mailingList,
		Notifier:    notifier,
		Publisher:   s.publisher,
		Broadcaster: s.realtimeHub,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble platform: %w", err)
	}

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

func (s *Server) openStores(ctx context.Context) (app.Stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return app.NewMemoryStores(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return app.Stores{}, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return app.Stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db

	stores := app.NewPostgresStores(db)
	if err := stores.Migrate(ctx); err != nil {
		db.Close()
		return app.Stores{}, fmt.Errorf("failed to migrate database: %w", err)
	}
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return stores, nil
}

// applyEnvOverrides layers credentials from the environment over the
// stored settings without persisting them.
func applyEnvOverrides(set *settings.Manager, cfg *config.Config) {
	set.Override("apis.stripe.secret_key", cfg.StripeSecretKey)
	set.Override("apis.stripe.webhook_secret", cfg.StripeWebhookSecret)
	set.Override("pricing.pro.price_id", cfg.StripePriceIDPro)
	set.Override("pricing.enterprise.price_id", cfg.StripePriceIDEnterprise)
	set.Override("apis.mailchimp.api_key", cfg.MailchimpAPIKey)
	set.Override("apis.mailchimp.audience_id", cfg.MailchimpAudienceID)
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}
	s.health.Register("settings", func(ctx context.Context) error {
		_, err := s.stores.Settings.All(ctx)
		return err
	})
	s.health.Register("providers", func(context.Context) error {
		if open := s.breaker.OpenProviders(); len(open) > 0 {
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
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
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP rate limiting, ahead of the per-tenant api_call limit
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 10),
		CleanupInterval:   time.Minute,
	})
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
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = app.WithClient(ctx, app.ClientFromRequest(c.Request))
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

// apiCallMiddleware meters every authenticated request against the
// tenant's api_calls limit and records it in the activity log.
func (s *Server) apiCallMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		err := s.app.AuthorizeAPICall(c.Request.Context(), auth.GetTenantID(c), c.Request.Method, route)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Provider webhooks authenticate by signature
	v1.POST("/webhooks/stripe", s.stripeWebhook)

	// Admin
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	tenants := tenant.NewHandler(s.app.Tenants(), s.app.Keys(), s.app.Settings())
	tenants.RegisterAdminRoutes(admin)
	admin.GET("/settings", s.getSetting)
	admin.GET("/settings/*key", s.getSetting)
	admin.PUT("/settings/*key", s.putSetting)

	// Tenant
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.app.Keys()))
	protected.Use(auth.RequireAuth())
	protected.Use(s.apiCallMiddleware())

	tenants.RegisterProtectedRoutes(protected)
	auth.NewHandler(s.app.Keys()).RegisterProtectedRoutes(protected)

	protected.GET("/me/tier", s.getTier)
	protected.GET("/me/features/:feature", s.getFeature)
	protected.GET("/me/entitlements/:action", s.getEntitlement)
	protected.GET("/activity", s.listActivity)

	protected.POST("/sites", s.createSite)
	protected.GET("/sites", s.listSites)
	protected.PATCH("/sites/:id/status", s.setSiteStatus)

	protected.POST("/subscribers", s.addSubscriber)
	protected.GET("/subscribers", s.listSubscribers)
	protected.PATCH("/subscribers/:id", s.updateSubscriber)
	protected.POST("/newsletters/send", s.sendNewsletter)

	protected.POST("/automation/tasks", s.createTask)
	protected.GET("/automation/tasks", s.listTasks)
	protected.PATCH("/automation/tasks/:id/status", s.setTaskStatus)

	protected.POST("/events", s.dispatchEvent)
	protected.GET("/events", s.listEvents)
	protected.GET("/revenue", s.revenueReport)
	protected.GET("/optimizations", s.recommendations)
	protected.POST("/optimizations/run", s.runOptimizations)

	protected.GET("/subscription", s.getSubscription)
	protected.POST("/subscription", s.createSubscription)
	protected.DELETE("/subscription", s.cancelSubscription)

	protected.GET("/export", s.exportData)
	protected.DELETE("/data", s.deleteData)

	protected.GET("/stream", s.stream)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending bus messages
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event bus close error", "error", err)
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

// App returns the assembled platform, for embedding callers such as the MCP
// server.
func (s *Server) App() *app.App {
	return s.app
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
