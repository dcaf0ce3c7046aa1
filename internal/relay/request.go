// Package relay implements the post-upstream-response pipeline: body
// acquisition and decoding, the ordered post-processing stage list, upstream
// error classification with credential-state mutation, and the dual-mode
// (JSON vs mid-stream SSE) error writer.
package relay

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
)

// Request represents one client request in flight. It is owned by the
// pipeline for the duration of one response cycle; the attempt counter
// persists across re-enqueue cycles for the same logical request.
type Request struct {
	// ID identifies the logical request across retries.
	ID string

	// Provider is the upstream family this request targets.
	Provider config.Provider

	// Route is the upstream path, e.g. /v1/chat/completions.
	Route string

	// Model is the requested model id, extracted from the request body.
	Model string

	// Streaming is true when the client asked for an SSE response.
	Streaming bool

	// Body is the original client request body, kept for re-dispatch.
	Body []byte

	// Header carries the subset of client headers forwarded upstream.
	Header http.Header

	// Key is the credential assigned to the current attempt.
	Key *keypool.Key

	// UserToken identifies the authenticated client, empty when auth is off.
	UserToken string

	// Attempts counts re-enqueues. It only ever increases.
	Attempts int

	// EnqueuedAt marks when the request last entered the admission queue.
	EnqueuedAt time.Time

	// QueuedFor accumulates total time spent waiting for admission.
	QueuedFor time.Duration

	readmit chan struct{}
}

// NewRequest builds a request for its first attempt.
func NewRequest(provider config.Provider, route, model string, body []byte, streaming bool, userToken string) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Provider:  provider,
		Route:     route,
		Model:     model,
		Body:      body,
		Header:    make(http.Header),
		Streaming: streaming,
		UserToken: userToken,
	}
}

// KeyHash returns the assigned credential's hash, or empty when unassigned.
func (r *Request) KeyHash() string {
	if r.Key == nil {
		return ""
	}
	return r.Key.Hash()
}

// PrepareReadmit installs a fresh readmission signal and returns it. The
// admission queue closes the channel when the request may be retried.
func (r *Request) PrepareReadmit() chan struct{} {
	r.readmit = make(chan struct{})
	return r.readmit
}

// Readmitted returns the channel closed by the queue on readmission; nil if
// the request was never re-enqueued.
func (r *Request) Readmitted() <-chan struct{} {
	return r.readmit
}

// Requeuer is the admission queue surface the pipeline depends on.
type Requeuer interface {
	// Enqueue schedules the request for another attempt, incrementing its
	// attempt counter. It fails when the retry budget is exhausted.
	Enqueue(req *Request) error

	// TrackWaitTime records queue-wait telemetry for a completed request.
	TrackWaitTime(req *Request)
}

// UserAccounting increments per-user prompt counters.
type UserAccounting interface {
	IncrementPromptCount(userToken string)
}

// PromptSink receives finalized prompt records. Implementations must not
// block the response path.
type PromptSink interface {
	LogPrompt(req *Request, body *Body)
}
