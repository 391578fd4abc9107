package api

import (
	"context"
	"net/http"
	"time"

	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/consistency"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/orchestrator"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Response status strings used across all endpoints
const (
	StatusSuccess           = "success"
	StatusError             = "error"
	StatusNoCapacity        = "no_capacity"
	StatusAlreadyRegistered = "already_registered"
	StatusNotFound          = "not_found"
)

// Server is the HTTP control surface for workers and operators
type Server struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	checker *consistency.Checker
	store   storage.Store
	logger  zerolog.Logger
	http    *http.Server
}

// NewServer wires the REST routes around the orchestrator and checker
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, checker *consistency.Checker, store storage.Store) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		checker: checker,
		store:   store,
		logger:  log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	v1 := router.Group("/v1")
	{
		v1.POST("/register", s.handleRegister)
		v1.POST("/heartbeat", s.handleHeartbeat)
		v1.POST("/streams", s.handleCreateStream)
		v1.POST("/streams/assign", s.handleAssignStreams)
		v1.POST("/streams/release", s.handleReleaseStreams)
		v1.POST("/instances/:id/failure", s.handleInstanceFailure)
		v1.GET("/instances", s.handleListInstances)
		v1.GET("/health", s.handleSystemHealth)
		v1.POST("/rebalance", s.handleTriggerRebalance)
		v1.GET("/rebalance/history", s.handleRebalanceHistory)
		v1.GET("/consistency/check", s.handleConsistencyCheck)
		v1.GET("/consistency/history", s.handleConsistencyHistory)
		v1.POST("/consistency/resolve/:stream_id", s.handleResolveStream)
		v1.POST("/consistency/sync/:instance_id", s.handleSyncInstance)
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", gin.WrapF(metrics.HealthHandler))
	router.GET("/readyz", gin.WrapF(metrics.ReadinessHandler))

	s.http = &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// observe records per-route request metrics
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.APIAddr).Msg("api server listening")
	metrics.UpdateComponent("api", true, "listening")

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		metrics.UpdateComponent("api", false, err.Error())
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
