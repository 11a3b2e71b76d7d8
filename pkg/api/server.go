package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"seednode/pkg/api/middleware"
	"seednode/pkg/coordination"
	"seednode/pkg/membership"
	"seednode/pkg/seed"
)

// Coordinator is the read side of seed.Coordinator the status API needs.
type Coordinator interface {
	View(ctx context.Context) (coordination.LeaderView, error)
	State() seed.State
	Identity() seed.NodeIdentity
	Path() string
}

// Server exposes join progress, the leader view and membership over HTTP.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	coordinator Coordinator
	members     membership.Lister
	limiter     *middleware.RateLimiter
}

// Config holds API server configuration.
type Config struct {
	Port        string
	ServiceName string
	Coordinator Coordinator
	// Members is optional; /members answers 501 without it.
	Members membership.Lister
	// RateLimit is optional; nil disables rate limiting.
	RateLimit *middleware.RateLimiterConfig
	Logger    *zap.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "seednode"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.MetricsMiddleware("/metrics"))
	router.Use(middleware.LoggerMiddleware(logger))

	s := &Server{
		router:      router,
		logger:      logger,
		coordinator: cfg.Coordinator,
		members:     cfg.Members,
	}
	if cfg.RateLimit != nil {
		s.limiter = middleware.NewRateLimiter(*cfg.RateLimit)
		router.Use(s.limiter.Middleware())
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("status API listening", zap.String("addr", lis.Addr().String()))

	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
			cluster.GET("/candidates", s.listCandidates)
			cluster.GET("/members", s.listMembers)
		}
	}
}
