package relay

import (
	"net/http"
	"strings"
	"testing"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/json"
)

func TestWriteErrorFreshResponse(t *testing.T) {
	c, rec := newTestContext(t)

	WriteError(c, http.StatusBadGateway, ErrorPayload{
		Message:   "upstream unavailable",
		ProxyNote: "Try again shortly.",
	})

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	var doc struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		ProxyNote string `json:"proxy_note"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if doc.Error.Message != "upstream unavailable" {
		t.Errorf("message = %q", doc.Error.Message)
	}
	if doc.Error.Type != "proxy_error" {
		t.Errorf("type = %q, want proxy_error", doc.Error.Type)
	}
	if doc.ProxyNote != "Try again shortly." {
		t.Errorf("proxy_note = %q", doc.ProxyNote)
	}
}

func TestWriteErrorKeepsExplicitType(t *testing.T) {
	c, rec := newTestContext(t)

	WriteError(c, http.StatusUnauthorized, ErrorPayload{
		Message: "bad key",
		Type:    "invalid_request_error",
	})

	if !strings.Contains(rec.Body.String(), `"invalid_request_error"`) {
		t.Errorf("explicit type was overwritten: %s", rec.Body.String())
	}
}

func TestWriteErrorMidStream(t *testing.T) {
	c, rec := newTestContext(t)
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.WriteHeader(http.StatusOK)
	if _, err := c.Writer.WriteString("data: {\"choices\":[]}\n\n"); err != nil {
		t.Fatalf("priming write: %v", err)
	}

	WriteError(c, http.StatusInternalServerError, ErrorPayload{Message: "stream broke"})

	out := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Errorf("status changed mid-stream to %d", rec.Code)
	}
	if !strings.Contains(out, "event:error") && !strings.Contains(out, "event: error") {
		t.Errorf("missing error event:\n%s", out)
	}
	if !strings.Contains(out, "stream broke") {
		t.Errorf("missing error payload:\n%s", out)
	}
	if !strings.Contains(out, doneSentinel) {
		t.Errorf("missing %s sentinel:\n%s", doneSentinel, out)
	}
	if idx := strings.Index(out, doneSentinel); idx < strings.Index(out, "stream broke") {
		t.Error("sentinel must follow the error event")
	}
	if !c.IsAborted() {
		t.Error("stream must be closed after the sentinel")
	}
}

func TestWriteErrorStreamHeadersOnly(t *testing.T) {
	// The response was opened as an event stream but no bytes went out
	// yet. The status line is still usable, but clients already expect
	// events, so the error must travel in-band.
	c, rec := newTestContext(t)
	c.Writer.Header().Set("Content-Type", "text/event-stream")

	WriteError(c, http.StatusTooManyRequests, ErrorPayload{Message: "slow down"})

	out := rec.Body.String()
	if !strings.Contains(out, "event:error") && !strings.Contains(out, "event: error") {
		t.Errorf("expected in-band error event:\n%s", out)
	}
	if !strings.Contains(out, doneSentinel) {
		t.Errorf("missing sentinel:\n%s", out)
	}
}

func TestRedactOrgIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{
			"No access for org-AbCdEfGhIjKlMnOpQrStUvWx on this model",
			"No access for " + orgPlaceholder + " on this model",
		},
		{
			"org-short is not an identifier",
			"org-short is not an identifier",
		},
		{
			"two org-AAAAAAAAAAAAAAAAAAAAAAAA and org-BBBBBBBBBBBBBBBBBBBBBBBB",
			"two " + orgPlaceholder + " and " + orgPlaceholder,
		},
		{"no identifiers here", "no identifiers here"},
	}
	for _, tc := range cases {
		if got := redactOrg(tc.in); got != tc.want {
			t.Errorf("redactOrg(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
