package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/application/coordinator"
	"github.com/aescanero/dago-master/pkg/domain"
)

// Coordinator is the part of the coordinator the HTTP API uses
type Coordinator interface {
	Submit(ctx context.Context, userID, query string) (string, error)
	Session(id string) (domain.Session, error)
	Logs(sessionID string) []domain.LogEntry
	Workers() []domain.Worker
}

// HealthReporter reports coordinator health
type HealthReporter interface {
	GetStatus() *coordinator.HealthStatus
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	server      *http.Server
	coordinator Coordinator
	health      HealthReporter
	busUp       func() bool
	logger      *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port        int
	Coordinator Coordinator
	Health      HealthReporter
	Logger      *zap.Logger

	// BusConnected reports event bus connectivity for /health
	BusConnected func() bool

	// Metrics serves /metrics; defaults to the default Prometheus registry
	Metrics http.Handler
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	busUp := cfg.BusConnected
	if busUp == nil {
		busUp = func() bool { return true }
	}

	s := &Server{
		router:      router,
		coordinator: cfg.Coordinator,
		health:      cfg.Health,
		busUp:       busUp,
		logger:      cfg.Logger,
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s.setupRoutes(metrics)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics))

	s.router.POST("/query", s.handleSubmitQuery)
	s.router.GET("/result/:sessionId", s.handleGetResult)
	s.router.GET("/logs/:sessionId", s.handleGetLogs)
	s.router.GET("/workers", s.handleListWorkers)
}

// SetupWebSocket adds the live log stream route
func (s *Server) SetupWebSocket(handler interface{ HandleLogStream(*gin.Context) }) {
	s.router.GET("/logs/:sessionId/ws", handler.HandleLogStream)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
