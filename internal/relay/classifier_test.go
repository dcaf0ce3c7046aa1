package relay

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
)

func testPool(t *testing.T, keys ...string) *keypool.Pool {
	t.Helper()
	return keypool.NewPool(map[config.Provider]config.Upstream{
		config.ProviderOpenAI: {BaseURL: "https://api.openai.com", Keys: keys},
	})
}

func assignedRequest(t *testing.T, pool *keypool.Pool) *Request {
	t.Helper()
	req := newBufferedRequest()
	key, err := pool.Get(config.ProviderOpenAI)
	if err != nil {
		t.Fatalf("pool.Get: %v", err)
	}
	req.Key = key
	return req
}

func errorBody(errType, message string) *Body {
	return &Body{JSON: map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	}}
}

type fakeQueue struct {
	enqueued int
	waits    int
	err      error
}

func (f *fakeQueue) Enqueue(req *Request) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued++
	req.Attempts++
	req.PrepareReadmit()
	return nil
}

func (f *fakeQueue) TrackWaitTime(*Request) { f.waits++ }

func TestClassifyStatusTable(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		errType string
		message string
		want    VerdictKind
	}{
		{"bad request", 400, "invalid_request_error", "missing field", VerdictBadRequest},
		{"unauthorized", 401, "invalid_request_error", "Incorrect API key provided", VerdictUnauthorized},
		{"model not found", 404, "invalid_request_error", "The model does not exist", VerdictModelNotFound},
		{"quota by type", 429, "insufficient_quota", "", VerdictQuotaExhausted},
		{"quota by message", 429, "", "You exceeded your current quota, please check your plan", VerdictQuotaExhausted},
		{"billing by type", 429, "billing_not_active", "", VerdictBillingInactive},
		{"billing by message", 429, "", "Your billing is not active", VerdictBillingInactive},
		{"rate limit", 429, "rate_limit_exceeded", "Rate limit reached for gpt-4o", VerdictRateLimited},
		{"anthropic rate limit", 429, "rate_limit_error", "Number of request tokens has exceeded your per-minute rate limit", VerdictRateLimited},
		{"rate limit by message", 429, "", "Rate limit exceeded for requests", VerdictRateLimited},
		{"unrecognized 429", 429, "unexpected_thing", "Please slow down", VerdictProviderOverloaded},
		{"server error", 500, "server_error", "The server had an error", VerdictGeneric},
		{"overloaded", 503, "overloaded_error", "Overloaded", VerdictGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyStatus(tc.status, tc.errType, tc.message)
			if got.Kind != tc.want {
				t.Errorf("ClassifyStatus(%d, %q, %q).Kind = %d, want %d",
					tc.status, tc.errType, tc.message, got.Kind, tc.want)
			}
		})
	}
}

func TestClassifySuccessIsNoop(t *testing.T) {
	pool := testPool(t, "sk-a")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, http.StatusOK, nil, &Body{JSON: map[string]any{"id": "cmpl-1"}})
	if action.Kind != ActionContinue {
		t.Errorf("action = %d, want continue", action.Kind)
	}
	if rec.Body.Len() != 0 {
		t.Error("success status must not produce a client write")
	}
}

func TestClassifyBadRequestPassesThrough(t *testing.T) {
	pool := testPool(t, "sk-a")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 400, nil, errorBody("invalid_request_error", "max_tokens too large"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "max_tokens too large") {
		t.Errorf("upstream message missing: %s", rec.Body.String())
	}
	if req.Key.Disabled() {
		t.Error("bad request must not disable the key")
	}
}

func TestClassifyRevokedKeyDisabled(t *testing.T) {
	pool := testPool(t, "sk-a", "sk-b", "sk-c")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 401, nil, errorBody("invalid_request_error", "Incorrect API key provided"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if !req.Key.Disabled() {
		t.Error("revoked key was not disabled")
	}
	if req.Key.DisabledReason() != "revoked" {
		t.Errorf("reason = %q, want revoked", req.Key.DisabledReason())
	}
	if !strings.Contains(rec.Body.String(), "2 more keys available") {
		t.Errorf("remaining-keys count missing: %s", rec.Body.String())
	}
	if pool.Available(config.ProviderOpenAI) != 2 {
		t.Errorf("available = %d, want 2", pool.Available(config.ProviderOpenAI))
	}
}

func TestClassifyQuotaExhaustedDisables(t *testing.T) {
	pool := testPool(t, "sk-a")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 429, nil, errorBody("insufficient_quota", "You exceeded your current quota"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if !req.Key.Disabled() {
		t.Error("exhausted key was not disabled")
	}
	if !strings.Contains(rec.Body.String(), "0 more keys available") {
		t.Errorf("last-key count missing: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "quota") {
		t.Errorf("quota message missing: %s", rec.Body.String())
	}
}

func TestClassifyBillingInactiveDisables(t *testing.T) {
	pool := testPool(t, "sk-a", "sk-b")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 429, nil, errorBody("billing_not_active", "Your billing plan is not active"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if !req.Key.Disabled() {
		t.Error("billing-inactive key was not disabled")
	}
	if !strings.Contains(rec.Body.String(), "not active") {
		t.Errorf("billing message missing: %s", rec.Body.String())
	}
}

func TestClassifyRateLimitRequeuesSilently(t *testing.T) {
	pool := testPool(t, "sk-a", "sk-b")
	queue := &fakeQueue{}
	cl := &Classifier{Pool: pool, Queue: queue}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 429, nil, errorBody("rate_limit_exceeded", "Rate limit reached"))
	if action.Kind != ActionRequeued {
		t.Fatalf("action = %d, want requeued", action.Kind)
	}
	if queue.enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", queue.enqueued)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("requeue must be silent, client got: %s", rec.Body.String())
	}
	if req.Key.Disabled() {
		t.Error("rate limited key must stay enabled")
	}
	if !req.Key.RateLimited(time.Now()) {
		t.Error("key was not marked rate limited")
	}
}

func TestClassifyRateLimitRetryBudgetExhausted(t *testing.T) {
	pool := testPool(t, "sk-a")
	queue := &fakeQueue{err: errors.New("retry attempts exhausted")}
	cl := &Classifier{Pool: pool, Queue: queue}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 429, nil, errorBody("rate_limit_exceeded", "Rate limit reached"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if rec.Code != 429 {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if req.Key.Disabled() {
		t.Error("retry exhaustion must not disable the key")
	}
	if !strings.Contains(rec.Body.String(), "rate limited") {
		t.Errorf("rate limit message missing: %s", rec.Body.String())
	}
}

func TestClassifyUnrecognized429LeavesKeyAlone(t *testing.T) {
	pool := testPool(t, "sk-a")
	queue := &fakeQueue{}
	cl := &Classifier{Pool: pool, Queue: queue}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 429, nil, errorBody("unexpected_thing", "Please slow down"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if rec.Code != 429 {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if queue.enqueued != 0 {
		t.Errorf("enqueued = %d, want 0", queue.enqueued)
	}
	if req.Key.Disabled() {
		t.Error("unrecognized 429 must not disable the key")
	}
	if req.Key.RateLimited(time.Now()) {
		t.Error("unrecognized 429 must not put the key into cooldown")
	}
	if !strings.Contains(rec.Body.String(), "overloaded") {
		t.Errorf("overloaded message missing: %s", rec.Body.String())
	}
}

func TestClassifyModelNotFound(t *testing.T) {
	pool := testPool(t, "sk-a")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)
	req.Model = "gpt-5-ultra"

	action := cl.Classify(c, req, 404, nil, errorBody("invalid_request_error", "The model `gpt-5-ultra` does not exist"))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gpt-5-ultra") {
		t.Errorf("model name missing: %s", rec.Body.String())
	}
	if req.Key.Disabled() {
		t.Error("model-not-found must not disable the key")
	}
}

func TestClassifyUnreadableErrorBody(t *testing.T) {
	pool := testPool(t, "sk-a")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	action := cl.Classify(c, req, 502, nil, &Body{Text: "<html>Bad Gateway</html>"})
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unreadable") {
		t.Errorf("unreadable note missing: %s", rec.Body.String())
	}
	if req.Key.Disabled() {
		t.Error("unreadable error must not disable the key")
	}
}

func TestClassifyRedactsOrgInClientMessage(t *testing.T) {
	pool := testPool(t, "sk-a")
	cl := &Classifier{Pool: pool}
	c, rec := newTestContext(t)
	req := assignedRequest(t, pool)

	msg := "Project org-AbCdEfGhIjKlMnOpQrStUvWx does not have access"
	action := cl.Classify(c, req, 500, nil, errorBody("server_error", msg))
	if action.Kind != ActionFatal {
		t.Fatalf("action = %d, want fatal", action.Kind)
	}
	out := rec.Body.String()
	if strings.Contains(out, "org-AbCdEfGhIjKlMnOpQrStUvWx") {
		t.Errorf("organization identifier leaked: %s", out)
	}
	if !strings.Contains(out, orgPlaceholder) {
		t.Errorf("placeholder missing: %s", out)
	}
}
