package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
)

// setupRoutes registers the relay endpoints and the operational surface.
func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/chat/completions", s.relayHandler(config.ProviderOpenAI))
		v1.POST("/completions", s.relayHandler(config.ProviderOpenAI))
		v1.POST("/embeddings", s.relayHandler(config.ProviderOpenAI))
		v1.GET("/models", s.modelsHandler(config.ProviderOpenAI))
		v1.POST("/messages", s.relayHandler(config.ProviderAnthropic))
	}

	// Alias kept for clients configured against the provider-scoped form.
	anthropic := s.engine.Group("/proxy/anthropic/v1")
	anthropic.Use(s.authMiddleware())
	anthropic.POST("/messages", s.relayHandler(config.ProviderAnthropic))

	s.engine.GET("/health", s.healthHandler)

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "OAI Reverse Proxy",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/completions",
				"POST /v1/embeddings",
				"GET /v1/models",
				"POST /v1/messages",
				"GET /health",
			},
		})
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	keys := make(map[string]int, len(s.cfg.Upstreams))
	for provider := range s.cfg.Upstreams {
		keys[string(provider)] = s.pool.Available(provider)
	}

	payload := gin.H{
		"status": "ok",
		"keys":   keys,
		"queue":  s.queue.Snapshot(),
	}
	if s.tracker != nil {
		payload["prompts_by_user"] = s.tracker.Counts()
	}
	c.JSON(http.StatusOK, payload)
}
