// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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
	"github.com/redis/go-redis/v9"

	"github.com/mstill/payshield/internal/blocklist"
	"github.com/mstill/payshield/internal/config"
	"github.com/mstill/payshield/internal/dunning"
	"github.com/mstill/payshield/internal/fraud"
	"github.com/mstill/payshield/internal/gateway"
	"github.com/mstill/payshield/internal/health"
	"github.com/mstill/payshield/internal/idgen"
	"github.com/mstill/payshield/internal/logging"
	"github.com/mstill/payshield/internal/metrics"
	"github.com/mstill/payshield/internal/notify"
	"github.com/mstill/payshield/internal/ratelimit"
	"github.com/mstill/payshield/internal/realtime"
	"github.com/mstill/payshield/internal/validation"
)

// httpRateLimit caps requests per client IP per minute at the router level.
// The fraud service applies its own per-customer limit on top of this.
const httpRateLimit = 100

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	gw           gateway.Gateway
	fraudSvc     *fraud.Service
	blocklistSvc *blocklist.Service
	dunningSvc   *dunning.Service
	retryTimer   *dunning.Timer
	dispatcher   *notify.Dispatcher
	realtimeHub  *realtime.Hub
	checks       *health.Registry
	redisClient  *redis.Client
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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g gateway.Gateway) Option {
	return func(s *Server) {
		s.gw = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		fraudStore     fraud.Store
		blocklistStore blocklist.Store
		dunningStore   dunning.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("postgres", health.DBChecker("postgres", db))
		fraudStore = fraud.NewPostgresStore(db)
		blocklistStore = blocklist.NewPostgresStore(db)
		dunningStore = dunning.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		fraudStore = fraud.NewMemoryStore()
		blocklistStore = blocklist.NewMemoryStore()
		dunningStore = dunning.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Rate-limit counters (Redis if REDIS_URL set, otherwise in-memory)
	var limitStore ratelimit.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redisClient = redis.NewClient(redisOpts)
		if err := s.redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.checks.Register("redis", s.redisChecker())
		limitStore = ratelimit.NewRedisStore(s.redisClient)
		s.logger.Info("using Redis rate-limit counters")
	} else {
		limitStore = ratelimit.NewMemoryStore()
		s.logger.Info("using in-memory rate-limit counters")
	}

	// Payment gateway: Stripe when configured, simulated otherwise, with a
	// circuit breaker inside a per-charge timeout.
	if s.gw == nil {
		if cfg.StripeSecretKey != "" {
			s.gw = gateway.NewStripeGateway(cfg.StripeSecretKey)
			s.logger.Info("stripe gateway enabled")
		} else {
			s.gw = &simulatedGateway{}
			s.logger.Warn("no STRIPE_SECRET_KEY set, using simulated gateway")
		}
	}
	breaker := gateway.NewBreaker(0, 0) // defaults
	s.gw = gateway.WithBreaker(gateway.WithTimeout(s.gw, cfg.GatewayTimeout), breaker)

	// Notifications (log delivery until a real channel is configured)
	s.dispatcher = notify.NewDispatcher(&notify.LogSender{Logger: s.logger}, s.logger, 0)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Blocklist
	s.blocklistSvc = blocklist.NewService(blocklistStore)

	// Fraud validation: signal collection, scoring, rules, per-customer
	// rate limit, blocklist
	validateLimiter := ratelimit.New(limitStore, int64(cfg.ValidateRateLimit), cfg.ValidateRateWindow)
	collector := fraud.NewCollector(fraudStore, nil)
	evaluator := fraud.NewEvaluator(rulesFromConfig(cfg), fraudStore)
	s.fraudSvc = fraud.NewService(fraudStore, collector, evaluator, s.blocklistSvc, validateLimiter).
		WithEvents(s.realtimeHub)

	// Dunning: retry scheduling, execution, escalation. Gateway declines
	// feed back into fraud's card-testing index.
	scheduler := dunning.NewScheduler(dunningStore)
	s.dunningSvc = dunning.NewService(dunningStore, s.gw, scheduler, s.dispatcher, s.fraudSvc).
		WithBatch(cfg.RetryBatchSize, cfg.RetryPause).
		WithEvents(s.realtimeHub)
	s.retryTimer = dunning.NewTimer(s.dunningSvc, cfg.RetryInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware(limitStore)
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// rulesFromConfig applies the configured score thresholds to the built-in
// rule set and adds a challenge rule below the block threshold.
func rulesFromConfig(cfg *config.Config) []fraud.Rule {
	rules := fraud.DefaultRules()
	for i := range rules {
		if rules[i].ID == "fraud_score" {
			rules[i].Threshold = cfg.BlockThreshold
		}
	}
	rules = append(rules, fraud.Rule{
		ID:         "fraud_score_review",
		Name:       "Fraud Score Review",
		ThreatType: fraud.ThreatFraud,
		Condition:  fmt.Sprintf("fraud_score > %.2f", cfg.ChallengeThreshold),
		Threshold:  cfg.ChallengeThreshold,
		Action:     fraud.ActionChallenge,
		Severity:   fraud.SeverityMedium,
		Active:     true,
	})
	return rules
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

func (s *Server) redisChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "redis", Healthy: true}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware(limitStore ratelimit.Store) {
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP rate limiting
	httpLimiter := ratelimit.New(limitStore, httpRateLimit, time.Minute)
	s.router.Use(httpLimiter.Middleware())

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

// adminMiddleware gates operational endpoints behind a shared secret. In
// development without ADMIN_SECRET set, admin routes stay open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}
		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time payment lifecycle streaming
	s.router.GET("/ws/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	fraudHandler := fraud.NewHandler(s.fraudSvc)
	fraudHandler.RegisterRoutes(v1)

	dunningHandler := dunning.NewHandler(s.dunningSvc)
	dunningHandler.RegisterRoutes(v1)

	// Admin routes: blocklist management, security events, manual retries
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		blocklistHandler := blocklist.NewHandler(s.blocklistSvc)
		blocklistHandler.RegisterAdminRoutes(admin)
		fraudHandler.RegisterAdminRoutes(admin)
		dunningHandler.RegisterAdminRoutes(admin)
		admin.GET("/realtime/stats", s.realtimeStatsHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "PayShield",
		"description": "Payment resilience and fraud mitigation",
		"version":     "0.1.0",
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start notification dispatcher
	go s.dispatcher.Start(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start background retry loop
	go s.retryTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus
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

	// Cancel the context for all background goroutines (hub, timer, dispatcher)
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

	// Stop retry timer
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.logger.Info("retry timer stopped")
	}

	// Drain the notification dispatcher
	if s.dispatcher != nil {
		s.dispatcher.Stop()
		s.logger.Info("notification dispatcher stopped")
	}

	// Close Redis connection
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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

// simulatedGateway approves every charge. Used in development when no
// Stripe key is configured.
type simulatedGateway struct{}

func (g *simulatedGateway) CreateCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	return &gateway.ChargeResult{
		GatewayRef: idgen.WithPrefix("sim"),
		Status:     "succeeded",
	}, nil
}
