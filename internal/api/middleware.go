package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
)

const userTokenKey = "proxy.userToken"

// authMiddleware checks the client's proxy key. With no keys configured the
// proxy is open and requests carry no user identity. Both the OpenAI bearer
// convention and the Anthropic x-api-key header are accepted so unmodified
// SDKs of either family can point at the proxy.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.cfg.ProxyKeys) == 0 {
			c.Next()
			return
		}

		token := clientToken(c)
		if token == "" {
			relay.WriteError(c, http.StatusUnauthorized, relay.ErrorPayload{
				Message:   "missing proxy API key",
				Type:      "proxy_auth_error",
				ProxyNote: "Send your proxy key as a bearer token or x-api-key header.",
			})
			c.Abort()
			return
		}
		for _, key := range s.cfg.ProxyKeys {
			if token == key {
				c.Set(userTokenKey, token)
				c.Next()
				return
			}
		}

		relay.WriteError(c, http.StatusUnauthorized, relay.ErrorPayload{
			Message:   "invalid proxy API key",
			Type:      "proxy_auth_error",
			ProxyNote: "The key you sent is not one of this proxy's configured keys.",
		})
		c.Abort()
	}
}

func clientToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader("X-Api-Key"))
}

func userToken(c *gin.Context) string {
	if v, ok := c.Get(userTokenKey); ok {
		if token, ok := v.(string); ok {
			return token
		}
	}
	return ""
}
