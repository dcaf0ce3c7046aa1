package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/queue"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
)

// maxRequestBody caps buffered client request bodies. Vision prompts with
// inline images are the largest legitimate payloads.
const maxRequestBody = 50 << 20

// heartbeatInterval spaces keepalive events while a streaming request waits
// for readmission.
const heartbeatInterval = 10 * time.Second

// relayHandler builds the gin handler for one provider-backed route.
func (s *Server) relayHandler(provider config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
		if err != nil {
			relay.WriteError(c, http.StatusBadRequest, relay.ErrorPayload{
				Message: "failed to read request body",
				Type:    "invalid_request_error",
			})
			return
		}
		if len(body) > maxRequestBody {
			relay.WriteError(c, http.StatusRequestEntityTooLarge, relay.ErrorPayload{
				Message: "request body too large",
				Type:    "invalid_request_error",
			})
			return
		}

		streaming := gjson.GetBytes(body, "stream").Bool()
		if streaming && provider == config.ProviderOpenAI && !gjson.GetBytes(body, "stream_options").Exists() {
			// Ask for the usage chunk so streamed completions can be
			// accounted from real numbers instead of estimates.
			if patched, err := sjson.SetBytes(body, "stream_options.include_usage", true); err == nil {
				body = patched
			}
		}

		req := relay.NewRequest(
			provider,
			upstreamRoute(c.Request.URL.Path),
			gjson.GetBytes(body, "model").String(),
			body,
			streaming,
			userToken(c),
		)
		req.Header = c.Request.Header.Clone()
		s.relay(c, req)
	}
}

// upstreamRoute maps an inbound path to the path sent upstream. Provider
// scoped aliases collapse onto the plain /v1 form.
func upstreamRoute(path string) string {
	return strings.TrimPrefix(path, "/proxy/anthropic")
}

// modelsHandler relays the provider's model listing. No body, never
// streamed.
func (s *Server) modelsHandler(provider config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := relay.NewRequest(provider, c.Request.URL.Path, "", nil, false, userToken(c))
		req.Header = c.Request.Header.Clone()
		s.relay(c, req)
	}
}

// relay runs the attempt loop for one request. Each iteration takes a fresh
// key, dispatches upstream and hands the response to the pipeline; a
// requeued outcome parks the loop until the queue readmits the request.
func (s *Server) relay(c *gin.Context, req *relay.Request) {
	ctx := c.Request.Context()

	if err := s.queue.Admit(ctx, req); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			relay.WriteError(c, http.StatusTooManyRequests, relay.ErrorPayload{
				Message:   "proxy is at capacity, please try again later",
				ProxyNote: "The request waited too long for an upstream dispatch slot.",
			})
			return
		}
		// Admission aborts only when the client went away.
		return
	}
	defer s.queue.Release()

	for {
		key, err := s.pool.Get(req.Provider)
		if err != nil {
			if errors.Is(err, keypool.ErrNoKeys) {
				relay.WriteError(c, http.StatusServiceUnavailable, relay.ErrorPayload{
					Message:   "no API keys are currently available for " + string(req.Provider),
					ProxyNote: "Every configured key is disabled or cooling down.",
				})
				return
			}
			relay.WriteError(c, http.StatusInternalServerError, relay.ErrorPayload{
				Message: "failed to assign an API key",
			})
			return
		}
		req.Key = key

		resp, err := s.client.Do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				log.WithField("request", req.ID).Debugf("client disconnected during dispatch")
				return
			}
			log.WithError(err).WithFields(log.Fields{
				"request": req.ID,
				"key":     req.KeyHash(),
			}).Warnf("upstream dispatch failed")
			relay.WriteError(c, http.StatusBadGateway, relay.ErrorPayload{
				Message:   "failed to reach the upstream API",
				ProxyNote: "The upstream API did not accept the connection.",
			})
			return
		}

		if s.pipeline.Handle(c, req, resp) == relay.OutcomeDelivered {
			return
		}
		if !s.awaitReadmission(c, req) {
			return
		}
	}
}

// awaitReadmission parks until the queue readmits the request, keeping
// streaming connections alive with ping events. It reports false when the
// client disconnected.
func (s *Server) awaitReadmission(c *gin.Context, req *relay.Request) bool {
	var heartbeat <-chan time.Time
	if req.Streaming {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-req.Readmitted():
			return true
		case <-c.Request.Context().Done():
			log.WithField("request", req.ID).Debugf("client disconnected while waiting for readmission")
			return false
		case <-heartbeat:
			s.writeHeartbeat(c)
		}
	}
}

func (s *Server) writeHeartbeat(c *gin.Context) {
	if !c.Writer.Written() {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.WriteHeader(http.StatusOK)
	}
	if err := queue.WriteHeartbeat(c.Writer); err != nil {
		log.WithError(err).Debugf("heartbeat write failed")
		return
	}
	c.Writer.Flush()
}
