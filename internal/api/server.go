package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exo-hmi/hmi/internal/auth"
	"github.com/exo-hmi/hmi/internal/command"
	"github.com/exo-hmi/hmi/internal/config"
	"github.com/exo-hmi/hmi/internal/plan"
)

// Server represents the HTTP API server.
type Server struct {
	mu             sync.Mutex
	httpServer     *http.Server
	telemetryHub   TelemetryPort
	device         DevicePort
	dispatcher     command.DispatcherPort
	plans          plan.Store
	sessions       SessionPort
	metrics        MetricsPort
	authMiddleware *auth.Middleware
	graph          config.GraphConfig
	upgrader       websocket.Upgrader
	startTime      time.Time
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

// NewServer creates a new API server without authentication.
func NewServer(telemetryHub TelemetryPort, device DevicePort, dispatcher command.DispatcherPort, readTimeout, writeTimeout, idleTimeout time.Duration) *Server {
	return &Server{
		telemetryHub: telemetryHub,
		device:       device,
		dispatcher:   dispatcher,
		graph:        config.Baseline().Graph,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		startTime:    time.Now(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
}

// NewServerWithAuth creates a new API server with authentication middleware.
func NewServerWithAuth(telemetryHub TelemetryPort, device DevicePort, dispatcher command.DispatcherPort, authMiddleware *auth.Middleware, readTimeout, writeTimeout, idleTimeout time.Duration) *Server {
	s := NewServer(telemetryHub, device, dispatcher, readTimeout, writeTimeout, idleTimeout)
	s.authMiddleware = authMiddleware
	return s
}

// SetPlanStore sets the plan persistence backend.
func (s *Server) SetPlanStore(store plan.Store) {
	s.plans = store
}

// SetSessionStore sets the session-restore store.
func (s *Server) SetSessionStore(store SessionPort) {
	s.sessions = store
}

// SetMetrics enables GET /metrics.
func (s *Server) SetMetrics(m MetricsPort) {
	s.metrics = m
}

// SetGraphConfig sets the buffer length and PNG size reported and rendered.
func (s *Server) SetGraphConfig(g config.GraphConfig) {
	s.graph = g
}

// SetAllowedOrigins sets the browser origins allowed to open the WebSocket.
// With none, the upgrader only accepts same-origin requests.
func (s *Server) SetAllowedOrigins(origins []string) {
	if len(origins) == 0 {
		s.upgrader.CheckOrigin = nil
		return
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// GetServer returns the underlying HTTP server for testing.
func (s *Server) GetServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer
}
