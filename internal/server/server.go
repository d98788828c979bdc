// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/farmlink/wallet/internal/circuitbreaker"
	"github.com/farmlink/wallet/internal/config"
	"github.com/farmlink/wallet/internal/delivery"
	"github.com/farmlink/wallet/internal/escrow"
	"github.com/farmlink/wallet/internal/events"
	"github.com/farmlink/wallet/internal/health"
	"github.com/farmlink/wallet/internal/ledger"
	"github.com/farmlink/wallet/internal/logging"
	"github.com/farmlink/wallet/internal/metrics"
	"github.com/farmlink/wallet/internal/payout"
	"github.com/farmlink/wallet/internal/ratelimit"
	"github.com/farmlink/wallet/internal/reservation"
	"github.com/farmlink/wallet/internal/security"
	"github.com/farmlink/wallet/internal/txlog"
	"github.com/farmlink/wallet/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *escrow.Service
	bridge       *delivery.Bridge
	consumer     *delivery.Consumer
	publisher    *events.KafkaPublisher
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	injectedListings escrow.ListingResolver

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

// WithListings injects a listing resolver (for testing)
func WithListings(r escrow.ListingResolver) Option {
	return func(s *Server) {
		s.injectedListings = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set listings/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		accounts     ledger.Store
		reservations reservation.Store
		entries      txlog.Store
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
		accounts = ledger.NewPostgresStore(db)
		reservations = reservation.NewPostgresStore(db)
		entries = txlog.NewPostgresStore(db)
		s.healthReg.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		accounts = ledger.NewMemoryStore()
		reservations = reservation.NewMemoryStore()
		entries = txlog.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Listing resolver: the marketplace's listing service maps a listing to
	// the farmer who gets the 95% share.
	listings := s.injectedListings
	if listings == nil {
		if cfg.ListingServiceURL != "" {
			if err := security.ValidateEndpointURL(cfg.ListingServiceURL); err != nil {
				return nil, fmt.Errorf("invalid listing service URL: %w", err)
			}
			listings = newListingClient(cfg.ListingServiceURL)
			s.logger.Info("listing service configured", "url", cfg.ListingServiceURL)
		} else {
			// Demo mode: the listing ID doubles as the farmer's user ID.
			listings = passthroughListings{}
			s.logger.Warn("no listing service configured, using passthrough resolver")
		}
	}

	s.engine = escrow.NewService(accounts, reservations, entries, listings)

	// Payout gateway for withdrawals (optional)
	if cfg.PayoutEndpoint != "" {
		gateway, err := payout.NewHTTPGateway(cfg.PayoutEndpoint, cfg.PayoutSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to configure payout gateway: %w", err)
		}
		s.engine = s.engine.WithPayoutGateway(gateway)
		s.logger.Info("payout gateway enabled", "endpoint", cfg.PayoutEndpoint)
	}

	// Kafka: wallet event publisher plus order fulfillment consumer
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.WalletEventsTopic)
		s.engine = s.engine.WithEventPublisher(s.publisher)

		s.bridge = delivery.NewBridge(s.engine, s.logger)
		s.consumer = delivery.NewConsumer(
			cfg.KafkaBrokers,
			cfg.OrderEventsTopic,
			cfg.ConsumerGroup,
			s.bridge,
			s.logger,
		)
		s.healthReg.Register("kafka", health.BrokerChecker(cfg.KafkaBrokers))
		s.logger.Info("kafka enabled",
			"brokers", cfg.KafkaBrokers,
			"consume", cfg.OrderEventsTopic,
			"publish", cfg.WalletEventsTopic,
		)
	} else {
		s.engine = s.engine.WithEventPublisher(events.NoopPublisher{})
		s.bridge = delivery.NewBridge(s.engine, s.logger)
		s.logger.Info("kafka disabled, wallet events discarded")
	}

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting keyed per wallet
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerSecond = s.cfg.RateLimitRPS
	s.rateLimiter = ratelimit.New(limiterCfg)
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
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.engine).RegisterRoutes(v1)
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

	healthy, checks := s.healthReg.CheckAll(ctx)

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
		"name":        "farmlink-wallet",
		"description": "Escrow wallet for the Farmlink marketplace",
		"version":     "0.1.0",
	})
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

	// Start fulfillment consumer
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(runCtx); err != nil {
				s.logger.Error("fulfillment consumer stopped", "error", err)
			}
		}()
	}

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

	// Cancel the context for all background goroutines (consumer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Close kafka reader and writer
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.logger.Error("consumer close error", "error", err)
		} else {
			s.logger.Info("fulfillment consumer stopped")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("publisher close error", "error", err)
		} else {
			s.logger.Info("event publisher stopped")
		}
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

// -----------------------------------------------------------------------------
// Listing resolution
// -----------------------------------------------------------------------------

// listingClient resolves the farmer behind a listing via the listing service.
// A circuit breaker sheds load when the listing service is down; a tripped
// lookup leaves the reservation intact so the release can be redelivered.
type listingClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

const listingBreakerKey = "listings"

func newListingClient(baseURL string) *listingClient {
	return &listingClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (l *listingClient) FarmerFor(ctx context.Context, listingID uuid.UUID) (uuid.UUID, error) {
	if !l.breaker.Allow(listingBreakerKey) {
		return uuid.Nil, fmt.Errorf("listing service circuit open")
	}

	farmerID, err := l.lookup(ctx, listingID)
	if err != nil {
		l.breaker.RecordFailure(listingBreakerKey)
		return uuid.Nil, err
	}
	l.breaker.RecordSuccess(listingBreakerKey)
	return farmerID, nil
}

func (l *listingClient) lookup(ctx context.Context, listingID uuid.UUID) (uuid.UUID, error) {
	endpoint := fmt.Sprintf("%s/v1/listings/%s", l.baseURL, listingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create listing request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("listing lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, fmt.Errorf("listing lookup failed: status %d", resp.StatusCode)
	}

	var body struct {
		FarmerID uuid.UUID `json:"farmerId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode listing response: %w", err)
	}
	if body.FarmerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("listing %s has no farmer", listingID)
	}
	return body.FarmerID, nil
}

// passthroughListings treats the listing ID as the farmer's user ID.
// Demo mode only.
type passthroughListings struct{}

func (passthroughListings) FarmerFor(_ context.Context, listingID uuid.UUID) (uuid.UUID, error) {
	return listingID, nil
}
