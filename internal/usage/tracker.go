package usage

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
)

// Tracker keeps per-user prompt counters in memory and feeds the persistent
// store. It implements the accounting and prompt-sink surfaces the response
// pipeline depends on.
type Tracker struct {
	store *Store

	mu     sync.RWMutex
	counts map[string]int64
}

// NewTracker builds a tracker over an optional store. With a store attached
// the counters are seeded from retained records so they survive restarts.
func NewTracker(store *Store) *Tracker {
	t := &Tracker{
		store:  store,
		counts: make(map[string]int64),
	}
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		counts, err := store.UserCounts(ctx)
		if err != nil {
			log.WithError(err).Warnf("failed to seed user prompt counts from store")
		} else {
			t.counts = counts
			if t.counts == nil {
				t.counts = make(map[string]int64)
			}
		}
	}
	return t
}

// IncrementPromptCount bumps the in-memory counter for one user.
func (t *Tracker) IncrementPromptCount(userToken string) {
	if userToken == "" {
		return
	}
	t.mu.Lock()
	t.counts[userToken]++
	t.mu.Unlock()
}

// PromptCount returns the current counter for one user.
func (t *Tracker) PromptCount(userToken string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[userToken]
}

// Counts returns a snapshot of all user counters.
func (t *Tracker) Counts() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// LogPrompt records one relayed prompt. Token counts come from the
// upstream's usage object when present and fall back to local estimation.
// It never blocks the response path.
func (t *Tracker) LogPrompt(req *relay.Request, body *relay.Body) {
	if t.store == nil {
		return
	}

	record := Record{
		Provider:    string(req.Provider),
		Model:       req.Model,
		KeyHash:     req.KeyHash(),
		UserToken:   req.UserToken,
		Route:       req.Route,
		Streamed:    req.Streaming,
		RequestedAt: time.Now(),
	}

	encoded := gjson.ParseBytes(body.Bytes())
	if model := encoded.Get("model").String(); model != "" {
		record.Model = model
	}

	record.PromptTokens = firstInt(encoded, "usage.prompt_tokens", "usage.input_tokens")
	record.CompletionTokens = firstInt(encoded, "usage.completion_tokens", "usage.output_tokens")
	if record.PromptTokens == 0 {
		record.PromptTokens = CountTokens(record.Model, string(req.Body))
	}
	if record.CompletionTokens == 0 {
		record.CompletionTokens = CountTokens(record.Model, completionText(encoded))
	}
	record.TotalTokens = record.PromptTokens + record.CompletionTokens

	t.store.Enqueue(record)
}

// Stop flushes the underlying store.
func (t *Tracker) Stop() error {
	if t.store == nil {
		return nil
	}
	return t.store.Stop()
}

func firstInt(doc gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// completionText extracts the generated text from whichever completion shape
// the body carries: assembled streams, chat completions, legacy completions
// or Anthropic messages.
func completionText(doc gjson.Result) string {
	for _, path := range []string{
		"content",
		"choices.0.message.content",
		"choices.0.text",
		"content.0.text",
	} {
		if v := doc.Get(path); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}
