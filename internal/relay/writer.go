package relay

import (
	"strings"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/json"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
)

// doneSentinel terminates an error-bearing event stream so OpenAI-style
// clients stop reading instead of waiting for more chunks.
const doneSentinel = "[DONE]"

// ErrorPayload is the error document delivered to clients. Message and Type
// fill the provider-style error object; ProxyNote distinguishes proxy-origin
// failures from upstream ones.
type ErrorPayload struct {
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Code      any    `json:"code,omitempty"`
	ProxyNote string `json:"-"`
}

type errorDocument struct {
	Error     ErrorPayload `json:"error"`
	ProxyNote string       `json:"proxy_note,omitempty"`
}

// WriteError delivers an error to the client in whichever mode the response
// is still capable of. Before any bytes have been written it sends a plain
// JSON document with the given status. Once the response is committed, or
// when it was opened as an event stream, the status line is gone, so the
// error travels as an in-band "error" event followed by the [DONE] sentinel
// and the connection is closed.
func WriteError(c *gin.Context, status int, payload ErrorPayload) {
	if payload.Type == "" {
		payload.Type = "proxy_error"
	}
	doc := errorDocument{Error: payload, ProxyNote: payload.ProxyNote}

	if streamCommitted(c) {
		writeStreamError(c, doc)
		return
	}
	c.JSON(status, doc)
}

func streamCommitted(c *gin.Context) bool {
	if c.Writer.Written() {
		return true
	}
	return strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream")
}

func writeStreamError(c *gin.Context, doc errorDocument) {
	data, err := json.Marshal(doc)
	if err != nil {
		log.WithError(err).Error("failed to encode stream error payload")
		data = []byte(`{"error":{"message":"internal proxy error","type":"proxy_error"}}`)
	}
	if !c.Writer.Written() {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.WriteHeader(c.Writer.Status())
	}
	if err := sse.Encode(c.Writer, sse.Event{Event: "error", Data: string(data)}); err != nil {
		log.WithError(err).Warn("failed to write stream error event")
		return
	}
	if err := sse.Encode(c.Writer, sse.Event{Data: doneSentinel}); err != nil {
		log.WithError(err).Warn("failed to write stream done sentinel")
	}
	c.Writer.Flush()
	// Nothing may follow the sentinel on this connection.
	forceClose(c)
}
