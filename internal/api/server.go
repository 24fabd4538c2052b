// Package api is the HTTP surface over the router and the OAuth coordinator.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/metrics"
	"github.com/quotaguard/quotamux/internal/oauth"
	"github.com/quotaguard/quotamux/internal/router"
)

const maxBodySize = 1 << 20

// Server represents the HTTP API server
type Server struct {
	engine      *gin.Engine
	config      config.ServerConfig
	router      router.Router
	oauth       *oauth.Coordinator
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	started     time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics shares a metrics instance with the rest of the process.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Handler returns the gin engine for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// NewServer creates the API server. coord may be nil when no OAuth profile
// is configured.
func NewServer(cfg config.ServerConfig, r router.Router, coord *oauth.Coordinator, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:  gin.New(),
		config:  cfg,
		router:  r,
		oauth:   coord,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger(logging.WithService("api"))
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics("quotamux")
	}
	s.rateLimiter = newIPRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	s.engine.HandleMethodNotAllowed = true
	s.engine.Use(gin.Recovery())
	s.engine.Use(metrics.Middleware(s.metrics, s.logger))
	s.engine.Use(rateLimitMiddleware(s.rateLimiter))
	s.engine.Use(bodyLimitMiddleware(maxBodySize))
	s.engine.Use(loggingMiddleware(s.logger))

	s.setupRoutes()
	return s
}

// loggingMiddleware writes one structured line per request. The correlation
// id was attached by the metrics middleware.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoWithContext(c.Request.Context(), "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.engine.GET("/health", s.handleHealth)

	// Connector endpoints authenticate with the connector key.
	v1 := s.engine.Group("/v1")
	v1.Use(ConnectorAuth(s.router))
	{
		v1.POST("/route", s.handleRoute)
		v1.POST("/route/candidates", s.handleRouteCandidates)
		v1.POST("/usage", s.handleConsumeUsage)
	}

	admin := s.engine.Group("/admin")
	admin.Use(AdminKeyAuth(s.config.AdminKeys, s.config.AdminKeyHeader, s.logger))
	{
		admin.GET("/dashboard", s.handleDashboard)
		admin.GET("/accounts/:id", s.handleGetAccount)
		admin.POST("/accounts/api", s.handleLinkAPIAccount)
		admin.PATCH("/accounts/:id", s.handleUpdateAccount)
		admin.DELETE("/accounts/:id", s.handleRemoveAccount)
		admin.GET("/preferences", s.handleGetPreferences)
		admin.PUT("/preferences", s.handleSetPreferences)
		admin.PUT("/strict-live-quota", s.handleSetStrictLiveQuota)
		admin.GET("/connector-key", s.handleGetConnectorKey)
		admin.POST("/connector-key/rotate", s.handleRotateConnectorKey)
		admin.POST("/oauth/start", s.handleOAuthStart)
		admin.POST("/accounts/:id/verification", s.handleStartVerification)
		admin.POST("/accounts/:id/verification/complete", s.handleCompleteVerification)
	}

	// The provider redirects the browser here; the state token authenticates it.
	s.engine.GET("/oauth/callback", s.handleOAuthCallback)
}

// Run listens on the configured address until Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.engine)
	}
	if len(s.config.AdminKeys) == 0 {
		s.logger.Warn("admin endpoints are not protected by an admin key", "addr", addr)
	} else {
		s.logger.Info("admin keys configured", "keys", MaskKeys(s.config.AdminKeys))
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrLifecycle{Component: "http server " + addr, Op: "start", Err: err}
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return &errors.ErrLifecycle{Component: "http server", Op: "shutdown", Err: err}
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
