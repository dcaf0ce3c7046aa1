package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
)

// Outcome is the pipeline's resolution of one attempt.
type Outcome int

const (
	// OutcomeDelivered means the client received a terminal response,
	// success or error.
	OutcomeDelivered Outcome = iota
	// OutcomeRequeued means the request went back into the admission
	// queue and the caller should wait for readmission.
	OutcomeRequeued
)

// stage is one named step of the post-processing sequence. The name appears
// in client-facing diagnostics when the step fails.
type stage struct {
	name string
	run  stageFunc
}

type stageFunc func(c *gin.Context, req *Request, resp *http.Response, body *Body) (Action, error)

// Pipeline runs the ordered post-processing sequence over completed upstream
// responses. Collaborators other than the pool may be nil; their stages
// degrade to no-ops.
type Pipeline struct {
	Pool       *keypool.Pool
	Classifier *Classifier
	Queue      Requeuer
	Users      UserAccounting
	Prompts    PromptSink
}

// NewPipeline wires a pipeline and its classifier around one key pool.
func NewPipeline(pool *keypool.Pool, queue Requeuer, users UserAccounting, prompts PromptSink) *Pipeline {
	return &Pipeline{
		Pool:       pool,
		Classifier: &Classifier{Pool: pool, Queue: queue},
		Queue:      queue,
		Users:      users,
		Prompts:    prompts,
	}
}

// bufferedStages is the sequence for fully buffered responses.
// Classification runs before usage so failed attempts are never billed to
// the user, and headers are copied only once the response is known good.
func (p *Pipeline) bufferedStages() []stage {
	return []stage{
		{"rate-limit", p.stageRateLimit},
		{"classify", p.stageClassify},
		{"usage", p.stageUsage},
		{"copy-headers", p.stageCopyHeaders},
		{"prompt-log", p.stagePromptLog},
	}
}

// streamingStages is the sequence for responses already forwarded to the
// client chunk by chunk. Classification and header copying are absent
// because the response is committed by the time these run.
func (p *Pipeline) streamingStages() []stage {
	return []stage{
		{"rate-limit", p.stageRateLimit},
		{"usage", p.stageUsage},
		{"prompt-log", p.stagePromptLog},
	}
}

// Handle owns the upstream response from headers-received onward and
// guarantees the attempt ends in exactly one of a client response or a
// re-enqueue.
func (p *Pipeline) Handle(c *gin.Context, req *Request, resp *http.Response) Outcome {
	if streamableResponse(req, resp) {
		return p.handleStreaming(c, req, resp)
	}
	return p.handleBuffered(c, req, resp)
}

// streamableResponse reports whether the upstream honored the stream
// request. Error statuses come back as buffered JSON even for streaming
// requests and must go through classification.
func streamableResponse(req *Request, resp *http.Response) bool {
	if !req.Streaming || resp.StatusCode >= http.StatusBadRequest {
		return false
	}
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func (p *Pipeline) handleBuffered(c *gin.Context, req *Request, resp *http.Response) Outcome {
	body, err := DecodeBody(c, req, resp)
	if err != nil {
		// DecodeBody already answered the client.
		return OutcomeDelivered
	}

	outcome, ok := p.runStages(c, req, resp, body, p.bufferedStages())
	if !ok {
		return outcome
	}

	c.Data(resp.StatusCode, responseContentType(resp), body.Bytes())
	p.trackWait(req)
	return OutcomeDelivered
}

func (p *Pipeline) handleStreaming(c *gin.Context, req *Request, resp *http.Response) Outcome {
	body, streamErr := StreamBody(c, req, resp)
	if streamErr != nil {
		// The stream already carried an in-band error or broke mid-way;
		// either way the response is committed and this attempt is over.
		log.WithError(streamErr).WithField("request", req.ID).Warnf("stream forwarding ended early")
		return OutcomeDelivered
	}

	if _, ok := p.runStages(c, req, resp, body, p.streamingStages()); !ok {
		return OutcomeDelivered
	}
	p.trackWait(req)
	return OutcomeDelivered
}

// runStages executes the sequence in order. It returns ok=false when a stage
// ended the attempt, with the outcome to propagate.
func (p *Pipeline) runStages(c *gin.Context, req *Request, resp *http.Response, body *Body, stages []stage) (Outcome, bool) {
	for _, s := range stages {
		action, err := s.run(c, req, resp, body)
		if err != nil {
			p.failStage(c, req, s.name, err)
			return OutcomeDelivered, false
		}
		switch action.Kind {
		case ActionRequeued:
			// A retryable verdict is a successful resolution of this
			// attempt, not a failure.
			return OutcomeRequeued, false
		case ActionFatal:
			return OutcomeDelivered, false
		}
	}
	return OutcomeDelivered, true
}

// failStage reports an unexpected stage error. Before commitment the client
// gets a 500 naming the stage and credential so operators can correlate
// reports with logs; after commitment the only honest option left is to
// drop the connection.
func (p *Pipeline) failStage(c *gin.Context, req *Request, stageName string, err error) {
	entry := log.WithError(err).WithFields(log.Fields{
		"request": req.ID,
		"stage":   stageName,
		"key":     req.KeyHash(),
	})
	if !c.Writer.Written() {
		entry.Errorf("response stage failed")
		WriteError(c, http.StatusInternalServerError, ErrorPayload{
			Message:   fmt.Sprintf("Error while processing upstream response (stage: %s, key: %s)", stageName, req.KeyHash()),
			ProxyNote: "The proxy failed while post-processing the upstream response.",
		})
		return
	}
	entry.Errorf("response stage failed after commit, closing connection")
	forceClose(c)
}

func forceClose(c *gin.Context) {
	if hj, ok := c.Writer.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	c.Abort()
}

func (p *Pipeline) trackWait(req *Request) {
	if p.Queue != nil && req.QueuedFor > 0 {
		p.Queue.TrackWaitTime(req)
	}
}

func responseContentType(resp *http.Response) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}

// Stage implementations.

func (p *Pipeline) stageRateLimit(_ *gin.Context, req *Request, resp *http.Response, _ *Body) (Action, error) {
	p.Pool.UpdateRateLimitWindow(req.KeyHash(), resp.Header)
	return Action{Kind: ActionContinue}, nil
}

func (p *Pipeline) stageClassify(c *gin.Context, req *Request, resp *http.Response, body *Body) (Action, error) {
	return p.Classifier.Classify(c, req, resp.StatusCode, resp.Header, body), nil
}

// generationRoutes are the endpoints that consume model quota; usage
// accounting is skipped for everything else.
var generationRoutes = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
	"/v1/messages":         true,
}

func (p *Pipeline) stageUsage(_ *gin.Context, req *Request, _ *http.Response, _ *Body) (Action, error) {
	if !generationRoutes[req.Route] {
		return Action{Kind: ActionContinue}, nil
	}
	p.Pool.IncrementUsage(req.KeyHash())
	if p.Users != nil && req.UserToken != "" {
		p.Users.IncrementPromptCount(req.UserToken)
	}
	return Action{Kind: ActionContinue}, nil
}

// hopHeaders never survive the proxy hop. Content encoding headers are
// dropped because the body was decoded and re-encoded in transit.
var hopHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
}

func (p *Pipeline) stageCopyHeaders(c *gin.Context, _ *Request, resp *http.Response, _ *Body) (Action, error) {
	for name, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	return Action{Kind: ActionContinue}, nil
}

func (p *Pipeline) stagePromptLog(_ *gin.Context, req *Request, _ *http.Response, body *Body) (Action, error) {
	if p.Prompts == nil || !generationRoutes[req.Route] {
		return Action{Kind: ActionContinue}, nil
	}
	p.Prompts.LogPrompt(req, body)
	return Action{Kind: ActionContinue}, nil
}
