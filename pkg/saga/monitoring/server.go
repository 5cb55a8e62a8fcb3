// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServerConfig contains configuration for the admin server.
type ServerConfig struct {
	// Address is the listening address, e.g. ":8080".
	Address string `mapstructure:"address" validate:"required"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// GinMode sets the gin mode ("debug", "release", "test").
	GinMode string `mapstructure:"gin_mode" validate:"omitempty,oneof=debug release test"`

	CORS *CORSConfig `mapstructure:"cors"`
}

// DefaultServerConfig returns the default admin server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:         ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		GinMode:         gin.ReleaseMode,
		CORS:            DefaultCORSConfig(),
	}
}

// Server is the admin HTTP server: saga API, metrics and health.
type Server struct {
	config *ServerConfig
	router *gin.Engine
	logger *zap.Logger

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewServer builds the router. collector and health may be nil.
func NewServer(config *ServerConfig, api *SagaAPI, collector *Collector, health *HealthManager, log *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	}

	router := gin.New()
	router.Use(recoveryMiddleware(log), loggingMiddleware(log))
	if config.CORS != nil {
		router.Use(corsMiddleware(config.CORS))
	}

	if health == nil {
		health = NewHealthManager(0)
	}
	router.GET("/health", health.Handler)
	if collector != nil {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	if api != nil {
		api.Register(router.Group("/api/v1"))
	}

	return &Server{config: config, router: router, logger: log}
}

// Router returns the gin engine, e.g. for httptest.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", s.config.Address, err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting admin server", zap.String("address", s.addr))
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}
