package relay

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
)

// streamScanBuffer bounds a single SSE line. Vision responses can carry
// large base64 payloads in one event.
const streamScanBuffer = 10 * 1024 * 1024

// StreamBody forwards an upstream event stream to the client byte for byte,
// flushing after each event, while assembling the streamed deltas into a
// materialized body for the post-stream stages. The returned body is a
// synthetic completion document, not a re-parse of any single event.
func StreamBody(c *gin.Context, req *Request, resp *http.Response) (*Body, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	var (
		content   strings.Builder
		usage     map[string]any
		model     string
		finish    string
		eventSeen bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), streamScanBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := io.WriteString(c.Writer, line+"\n"); err != nil {
			return nil, err
		}
		if line == "" {
			c.Writer.Flush()
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel || data == "" {
			continue
		}
		eventSeen = true
		accumulateEvent(data, &content, &usage, &model, &finish)
	}
	c.Writer.Flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !eventSeen {
		log.WithField("request", req.ID).Warnf("event stream carried no data events")
	}

	body := &Body{JSON: map[string]any{
		"model":         model,
		"content":       content.String(),
		"finish_reason": finish,
	}}
	if usage != nil {
		body.JSON["usage"] = usage
	}
	return body, nil
}

// accumulateEvent folds one data payload into the running completion. The
// delta paths cover both the chat completion chunk shape
// (choices.0.delta.content) and the Anthropic event shapes
// (delta.text, message.model).
func accumulateEvent(data string, content *strings.Builder, usage *map[string]any, model, finish *string) {
	parsed := gjson.Parse(data)
	if !parsed.IsObject() {
		return
	}

	if v := parsed.Get("choices.0.delta.content"); v.Exists() {
		content.WriteString(v.String())
	} else if v := parsed.Get("choices.0.text"); v.Exists() {
		content.WriteString(v.String())
	} else if v := parsed.Get("delta.text"); v.Exists() {
		content.WriteString(v.String())
	}

	if *model == "" {
		if v := parsed.Get("model"); v.Exists() {
			*model = v.String()
		} else if v := parsed.Get("message.model"); v.Exists() {
			*model = v.String()
		}
	}

	if v := parsed.Get("choices.0.finish_reason"); v.Exists() && v.String() != "" {
		*finish = v.String()
	} else if v := parsed.Get("delta.stop_reason"); v.Exists() && v.String() != "" {
		*finish = v.String()
	}

	if v := parsed.Get("usage"); v.IsObject() {
		if m, ok := v.Value().(map[string]any); ok {
			*usage = m
		}
	} else if v := parsed.Get("message.usage"); v.IsObject() {
		if m, ok := v.Value().(map[string]any); ok {
			*usage = m
		}
	}
}
