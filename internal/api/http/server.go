package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/api/middleware"
	"github.com/karnal-os/karnal64/internal/infrastructure/config"
	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/kernel"
)

// Server is the monitor HTTP server.
type Server struct {
	log    *logging.Logger
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the monitor server over a booted kernel.
func NewServer(cfg config.MonitorConfig, k *kernel.Kernel, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	engine.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}))

	h := NewHandlers(k)
	engine.GET("/", h.Root)
	engine.GET("/health", h.Health)
	engine.GET("/kernel/info", h.Info)
	engine.GET("/kernel/tasks", h.Tasks)
	engine.GET("/kernel/resources", h.Resources)
	engine.GET("/metrics", h.Metrics())

	return &Server{
		log:    log.Subsystem("monitor"),
		engine: engine,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Stop; it returns only on listener failure.
func (s *Server) Start() error {
	s.log.Info("monitor listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
