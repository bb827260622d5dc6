// Package server wires the monitoring session into the dashboard HTTP API,
// the realtime websocket and the operational endpoints.
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

	"github.com/mbd888/regshield/internal/anchor"
	"github.com/mbd888/regshield/internal/backend"
	"github.com/mbd888/regshield/internal/chain"
	"github.com/mbd888/regshield/internal/circuitbreaker"
	"github.com/mbd888/regshield/internal/config"
	"github.com/mbd888/regshield/internal/dashboard"
	"github.com/mbd888/regshield/internal/graphsink"
	"github.com/mbd888/regshield/internal/health"
	"github.com/mbd888/regshield/internal/logging"
	"github.com/mbd888/regshield/internal/metrics"
	"github.com/mbd888/regshield/internal/monitor"
	"github.com/mbd888/regshield/internal/ratelimit"
	"github.com/mbd888/regshield/internal/realtime"
	"github.com/mbd888/regshield/internal/report"
	"github.com/mbd888/regshield/internal/security"
	"github.com/mbd888/regshield/internal/session"
	"github.com/mbd888/regshield/internal/traces"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	backend     monitor.Backend
	breaker     *circuitbreaker.Breaker
	store       session.Store
	monitor     *monitor.Monitor
	realtimeHub *realtime.Hub
	graph       *graphsink.Exporter
	anchors     *anchor.Checker
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	version     string

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
	stopped atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend replaces the scoring backend client (for testing)
func WithBackend(b monitor.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithSessionStore replaces the session history store (for testing)
func WithSessionStore(st session.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithGraphClient replaces the Neo4j client (for testing)
func WithGraphClient(c graphsink.Client) Option {
	return func(s *Server) {
		s.graph = graphsink.NewExporter(c, s.logger)
	}
}

// WithVersion sets the build version reported in traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance and opens the monitoring session.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, traces.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		SampleRatio:    cfg.TraceSampleRatio,
		SessionID:      cfg.SessionID,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Session history (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = session.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL session store", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = session.NewMemoryStore()
			s.logger.Info("using in-memory session store (history will not survive restarts)")
		}
	}

	if s.backend == nil {
		s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
		s.breaker.OnTransition(func(tr circuitbreaker.Transition) {
			if tr.To == circuitbreaker.StateOpen {
				s.logger.Warn("backend circuit opened", "op", tr.Key, "from", tr.From.String())
				return
			}
			s.logger.Info("backend circuit state changed", "op", tr.Key, "from", tr.From.String(), "to", tr.To.String())
		})
		s.backend = backend.New(cfg.BackendURL, cfg.BackendTimeout,
			backend.WithBreaker(s.breaker),
			backend.WithLogger(s.logger),
		)
		s.logger.Info("scoring backend configured", "url", cfg.BackendURL)
	}

	if s.graph == nil {
		s.graph = graphsink.NewExporter(nil, s.logger)
		if cfg.Neo4jURI != "" {
			client, err := graphsink.NewNeo4jClient(ctx, graphsink.Options{
				URI:      cfg.Neo4jURI,
				Database: cfg.Neo4jDatabase,
				Username: cfg.Neo4jUsername,
				Password: cfg.Neo4jPassword,
			})
			if err != nil {
				s.logger.Warn("graph export disabled", "error", err)
			} else {
				s.graph = graphsink.NewExporter(client, s.logger)
				s.logger.Info("cycle graph export enabled", "uri", cfg.Neo4jURI)
			}
		}
	}

	anchors, err := anchor.Dial(ctx, cfg.RPCURL, s.logger)
	if err != nil {
		s.logger.Warn("anchor lookups disabled", "error", err)
		anchors = anchor.NewChecker(nil, s.logger)
	}
	s.anchors = anchors

	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins...)

	sess := session.New(cfg.SessionID, s.store, s.logger)
	s.monitor = monitor.New(s.backend, sess, monitorConfig(cfg), s.logger).
		WithPublisher(s.realtimeHub).
		WithGraph(s.graph).
		WithAnchor(s.anchors)
	if err := s.monitor.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	s.logger.Info("monitoring session opened", "session_id", sess.ID())
	s.realtimeHub.WithSnapshot(s.stateEvents)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	s.health = health.NewRegistry(health.DefaultTimeout)
	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// stateEvents is what a newly connected dashboard needs before the next
// change arrives.
func (s *Server) stateEvents() []realtime.Event {
	now := time.Now().UTC()
	events := []realtime.Event{
		{Type: realtime.EventChainStatus, Timestamp: now, Data: s.monitor.Chain()},
		{Type: realtime.EventAlarm, Timestamp: now, Data: s.monitor.Alarm()},
	}
	if cv := s.monitor.Cycle(); !cv.Layout.Empty() {
		events = append(events, realtime.Event{Type: realtime.EventCycle, Timestamp: now, Data: cv})
	}
	return events
}

func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Report: report.Config{
			InitialDelay: cfg.ReportInitialDelay,
			RetryDelay:   cfg.ReportRetryDelay,
			MaxRetries:   cfg.ReportMaxRetries,
		},
		DismissAfter: cfg.AlarmDismissAfter,
		CanvasWidth:  cfg.CanvasWidth,
		CanvasHeight: cfg.CanvasHeight,
	}
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Session history is one row per session; a small pool is plenty.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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

func (s *Server) registerHealthChecks() {
	s.health.Register("backend", func(context.Context) (string, error) {
		if s.breaker == nil {
			return "", nil
		}
		var open []string
		for _, c := range s.breaker.Circuits() {
			switch {
			case c.State == circuitbreaker.StateClosed.String():
			case c.RetryIn > 0:
				open = append(open, fmt.Sprintf("%s (retry in %s)", c.Key, c.RetryIn.Round(time.Second)))
			default:
				open = append(open, c.Key)
			}
		}
		if len(open) > 0 {
			return "", fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		}
		return "", nil
	})
	s.health.Register("session_store", func(ctx context.Context) (string, error) {
		if s.db == nil {
			return "memory", nil
		}
		return "postgres", s.db.PingContext(ctx)
	})
	s.health.RegisterOptional("ledger_chain", func(context.Context) (string, error) {
		snap := s.monitor.Chain()
		if snap.Status == chain.StatusTampered || snap.Status == chain.StatusError {
			return "", fmt.Errorf("%s: %s", snap.Status, snap.Message)
		}
		return string(snap.Status), nil
	})
	if s.graph.Enabled() {
		s.health.RegisterOptional("graph", func(ctx context.Context) (string, error) {
			return "neo4j", s.graph.Ping(ctx)
		})
	}
	if s.anchors.Enabled() {
		s.health.RegisterOptional("anchor_rpc", func(ctx context.Context) (string, error) {
			head, err := s.anchors.Head(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("head %d", head), nil
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

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
		ctx = logging.WithSessionID(ctx, s.monitor.SessionID())
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes and scrapes are noise at info
			logger.Debug("request completed", "path", path, "status", status)
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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	api := s.router.Group("/api")
	dashboard.NewHandler(s.monitor).
		WithGuard(s.rateLimiter.Middleware()).
		RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background goroutines (hub, DB stats) and marks the
// server ready. Run calls it; tests that drive Router directly may too.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// no WriteTimeout: websocket connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", s.cfg.BackendURL,
			"session_id", s.monitor.SessionID(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server. The session history is kept so a
// restart with the same SESSION_ID resumes it.
func (s *Server) Shutdown() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stops the live feed and drains the forwarder before the hub goes away.
	s.monitor.Close()
	s.logger.Info("monitoring session closed")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rateLimiter.Stop()

	if err := s.graph.Close(ctx); err != nil {
		s.logger.Error("graph close error", "error", err)
	}
	s.anchors.Close()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Monitor returns the monitoring session
func (s *Server) Monitor() *monitor.Monitor {
	return s.monitor
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
