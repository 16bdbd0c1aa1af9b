package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"amora-realtime/config"
	"amora-realtime/internal/handler"
	"amora-realtime/internal/middleware"
	"amora-realtime/internal/redis"
	"amora-realtime/internal/transport/httpdto"
	"amora-realtime/internal/websocket"
	"amora-realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Messages      *handler.MessageHandler
	Presence      *handler.PresenceHandler
	Calls         *handler.CallHandler
	Notifications *handler.NotificationHandler
	Media         *handler.MediaHandler
	Stream        *websocket.Handler
	Metrics       http.Handler
	// Health reports the first failing dependency.
	Health func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine { return s.engine }

// SetupRoutes mounts the API. limiter may be nil when running without redis.
func (s *Server) SetupRoutes(h *Handlers, limiter *redis.RateLimiter) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if h.Health != nil {
			if err := h.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	if h.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(h.Metrics))
	}

	v1 := s.engine.Group("/v1", middleware.IdentityMiddleware())
	{
		v1.POST("/messages", middleware.MessageRateLimitMiddleware(limiter), h.Messages.Send)
		v1.POST("/messages/:id/read", h.Messages.MarkRead)
		v1.POST("/messages/:id/retry", h.Messages.Retry)
		v1.DELETE("/messages/:id", h.Messages.Rollback)
		v1.GET("/conversations", h.Messages.Conversations)
		v1.GET("/conversations/:peer/messages", h.Messages.History)
		v1.POST("/conversations/:peer/typing", h.Messages.Typing)

		v1.POST("/presence/:room", h.Presence.Join)
		v1.DELETE("/presence/:room", h.Presence.Leave)
		v1.GET("/presence/:room", h.Presence.Online)

		v1.POST("/calls", middleware.CallRateLimitMiddleware(limiter), h.Calls.Initiate)
		v1.POST("/calls/accept", h.Calls.Accept)
		v1.POST("/calls/reject", h.Calls.Reject)
		v1.POST("/calls/end", h.Calls.End)
		v1.POST("/calls/connected", h.Calls.Connected)
		v1.GET("/calls/current", h.Calls.Current)

		v1.GET("/notifications", h.Notifications.List)
		v1.POST("/notifications", h.Notifications.Create)
		v1.POST("/notifications/live", h.Notifications.Resume)
		v1.DELETE("/notifications/:id", h.Notifications.Dismiss)

		v1.POST("/media/token", h.Media.Token)
		v1.GET("/stream", h.Stream.Connect)
	}
}

// Start serves until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.logger.Errorf("Error in starting the server: %s", err)
		return err
	case <-ctx.Done():
	}

	s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
