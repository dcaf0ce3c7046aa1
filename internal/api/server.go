// Package api exposes the proxy's HTTP surface: the OpenAI and Anthropic
// compatible relay routes, client authentication and the health endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/queue"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/upstream"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/usage"
)

// Server is the HTTP front of the proxy.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	cfg      *config.Config
	pool     *keypool.Pool
	queue    *queue.Queue
	client   *upstream.Client
	pipeline *relay.Pipeline
	tracker  *usage.Tracker
}

// NewServer wires the HTTP server around the already-constructed
// collaborators.
func NewServer(cfg *config.Config, pool *keypool.Pool, q *queue.Queue, client *upstream.Client, pipeline *relay.Pipeline, tracker *usage.Tracker) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(log.GinLogger())
	engine.Use(log.GinRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		pool:     pool,
		queue:    q,
		client:   client,
		pipeline: pipeline,
		tracker:  tracker,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// Start begins serving HTTP requests. It blocks until the server stops and
// only returns on an unrecoverable error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Debugf("Starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", err)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting active
// connections, then flushes the prompt store.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	if s.tracker != nil {
		if err := s.tracker.Stop(); err != nil {
			log.Warnf("Failed to stop prompt persistence: %v", err)
		}
	}

	log.Debug("API server stopped")
	return nil
}

// Handler exposes the gin engine, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, Anthropic-Version, Anthropic-Beta, Openai-Beta")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
