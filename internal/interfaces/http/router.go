// Package http serves the agent's local status API.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orris-inc/flowlink/internal/interfaces/http/handlers"
	"github.com/orris-inc/flowlink/internal/interfaces/http/middleware"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// NewRouter builds the gin engine of the status API.
func NewRouter(statusHandler *handlers.StatusHandler, log logger.Interface) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Recovery(log))
	engine.Use(middleware.Logger(log))
	engine.Use(middleware.ErrorHandler())

	engine.GET("/health", statusHandler.Health)

	accounts := engine.Group("/accounts")
	{
		accounts.GET("", statusHandler.ListAccounts)
		accounts.POST("/:name/commands", statusHandler.PublishCommand)
	}

	return engine
}

// Server runs the status API until shut down.
type Server struct {
	srv    *http.Server
	logger logger.Interface
}

func NewServer(addr string, handler http.Handler, log logger.Interface) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log,
	}
}

// Start blocks serving requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Infow("status API listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
