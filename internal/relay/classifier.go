package relay

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
)

// VerdictKind is the classification of an upstream error status.
type VerdictKind int

const (
	// VerdictBadRequest passes the upstream complaint through unchanged.
	VerdictBadRequest VerdictKind = iota
	// VerdictUnauthorized means the credential is invalid or revoked.
	VerdictUnauthorized
	// VerdictQuotaExhausted means the credential has no quota left.
	VerdictQuotaExhausted
	// VerdictBillingInactive means the account behind the credential has
	// no active billing.
	VerdictBillingInactive
	// VerdictRateLimited is a per-minute window limit, retryable on
	// another attempt.
	VerdictRateLimited
	// VerdictProviderOverloaded is a 429 that does not carry a known
	// rate-limit sub-type. The key is left untouched and the request is
	// not retried.
	VerdictProviderOverloaded
	// VerdictModelNotFound means the requested model does not exist for
	// this credential.
	VerdictModelNotFound
	// VerdictGeneric covers every other upstream error.
	VerdictGeneric
)

// Verdict is the outcome of the pure status decision table.
type Verdict struct {
	Kind VerdictKind

	// DisableReason is recorded on the credential when the verdict
	// disables it.
	DisableReason string
}

// ClassifyStatus maps an upstream error status plus the error object's type
// and message onto a verdict. It performs no side effects; Classifier.Classify
// applies the corresponding mutations.
func ClassifyStatus(status int, errType, errMessage string) Verdict {
	msg := strings.ToLower(errMessage)
	switch status {
	case http.StatusBadRequest:
		return Verdict{Kind: VerdictBadRequest}
	case http.StatusUnauthorized:
		return Verdict{Kind: VerdictUnauthorized, DisableReason: "revoked"}
	case http.StatusNotFound:
		return Verdict{Kind: VerdictModelNotFound}
	case http.StatusTooManyRequests:
		switch {
		case errType == "insufficient_quota" || strings.Contains(msg, "exceeded your current quota"):
			return Verdict{Kind: VerdictQuotaExhausted, DisableReason: "quota"}
		case errType == "billing_not_active" || strings.Contains(msg, "billing"):
			return Verdict{Kind: VerdictBillingInactive, DisableReason: "billing"}
		case isRateLimitSubtype(errType, msg):
			return Verdict{Kind: VerdictRateLimited}
		default:
			return Verdict{Kind: VerdictProviderOverloaded}
		}
	default:
		return Verdict{Kind: VerdictGeneric}
	}
}

// isRateLimitSubtype recognizes the per-minute window errors both provider
// families emit. Anything else on a 429 is not retryable against another
// window. The message is already lowercased by the caller.
func isRateLimitSubtype(errType, msg string) bool {
	switch errType {
	case "rate_limit_exceeded", "rate_limit_error", "requests", "tokens":
		return true
	}
	return strings.Contains(msg, "rate limit")
}

// ActionKind tags the classifier's resolution of one attempt.
type ActionKind int

const (
	// ActionContinue lets the remaining pipeline stages run.
	ActionContinue ActionKind = iota
	// ActionRequeued means the request went back into the admission
	// queue; nothing was written to the client.
	ActionRequeued
	// ActionFatal means a terminal error response was already delivered.
	ActionFatal
)

// Action is what the pipeline does after classification. Exactly one of the
// client response and the re-enqueue happens per attempt.
type Action struct {
	Kind ActionKind
}

// orgPattern matches OpenAI organization identifiers embedded in upstream
// error messages. They are tied to the proxy operator's accounts and must
// not reach clients.
var orgPattern = regexp.MustCompile(`org-[A-Za-z0-9]{24}`)

const orgPlaceholder = "org-xxxxxxxxxxxxxxxxxxxxxxxx"

func redactOrg(message string) string {
	return orgPattern.ReplaceAllString(message, orgPlaceholder)
}

// Classifier turns upstream error responses into client messages, credential
// mutations and retries.
type Classifier struct {
	Pool  *keypool.Pool
	Queue Requeuer
}

// Classify inspects a buffered upstream error response and resolves the
// attempt. For success statuses it is a no-op. For terminal errors it writes
// the client response itself; for retryable rate limits it re-enqueues the
// request silently.
func (cl *Classifier) Classify(c *gin.Context, req *Request, status int, header http.Header, body *Body) Action {
	if status < http.StatusBadRequest {
		return Action{Kind: ActionContinue}
	}

	errType, errMessage, errCode, ok := extractErrorObject(body)
	if !ok {
		// Some failures never reach the provider API and come back as
		// HTML or bare text from an intermediary.
		log.WithFields(map[string]any{
			"request": req.ID,
			"status":  status,
		}).Warnf("upstream error response carried no error object")
		WriteError(c, http.StatusInternalServerError, ErrorPayload{
			Message:   fmt.Sprintf("upstream API returned an unreadable error (status %d)", status),
			ProxyNote: "This is likely a temporary upstream infrastructure error. Try again shortly.",
		})
		return Action{Kind: ActionFatal}
	}

	errMessage = redactOrg(errMessage)
	verdict := ClassifyStatus(status, errType, errMessage)

	entry := log.WithFields(map[string]any{
		"request": req.ID,
		"key":     req.KeyHash(),
		"status":  status,
		"type":    errType,
	})

	switch verdict.Kind {
	case VerdictBadRequest:
		entry.Infof("upstream rejected request: %s", errMessage)
		WriteError(c, status, ErrorPayload{
			Message:   errMessage,
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The upstream API rejected the request. Check the parameters you sent.",
		})
		return Action{Kind: ActionFatal}

	case VerdictUnauthorized:
		remaining := cl.remainingAfterDisable(req)
		cl.Pool.Disable(req.Key, verdict.DisableReason)
		entry.Warnf("disabled revoked key, %d more keys available", remaining)
		WriteError(c, status, ErrorPayload{
			Message:   fmt.Sprintf("The assigned API key is invalid or revoked, please try again (%d more keys available)", remaining),
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The key was disabled and will not be assigned again.",
		})
		return Action{Kind: ActionFatal}

	case VerdictQuotaExhausted:
		remaining := cl.remainingAfterDisable(req)
		cl.Pool.Disable(req.Key, verdict.DisableReason)
		entry.Warnf("disabled exhausted key, %d more keys available", remaining)
		WriteError(c, status, ErrorPayload{
			Message:   fmt.Sprintf("The assigned API key's quota has been exceeded, please try again (%d more keys available)", remaining),
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The key was disabled and will not be assigned again.",
		})
		return Action{Kind: ActionFatal}

	case VerdictBillingInactive:
		remaining := cl.remainingAfterDisable(req)
		cl.Pool.Disable(req.Key, verdict.DisableReason)
		entry.Warnf("disabled key with inactive billing, %d more keys available", remaining)
		WriteError(c, status, ErrorPayload{
			Message:   fmt.Sprintf("The assigned API key's account is not active, please try again (%d more keys available)", remaining),
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The key was disabled and will not be assigned again.",
		})
		return Action{Kind: ActionFatal}

	case VerdictRateLimited:
		cl.Pool.UpdateRateLimitWindow(req.KeyHash(), header)
		cl.Pool.MarkRateLimited(req.KeyHash())
		if cl.Queue != nil {
			if err := cl.Queue.Enqueue(req); err == nil {
				entry.Infof("key rate limited, request re-enqueued (attempt %d)", req.Attempts)
				return Action{Kind: ActionRequeued}
			} else {
				entry.WithError(err).Warnf("rate limited request could not be re-enqueued")
			}
		}
		// Retry budget exhausted or queueing disabled. The key stays
		// enabled; it only needs its window to reset.
		WriteError(c, status, ErrorPayload{
			Message:   "All assigned API keys are currently rate limited, please try again later",
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The proxy ran out of retry attempts for this request.",
		})
		return Action{Kind: ActionFatal}

	case VerdictProviderOverloaded:
		entry.Warnf("unrecognized 429 from upstream: %s", errMessage)
		WriteError(c, status, ErrorPayload{
			Message:   "The upstream provider is overloaded, please retry shortly",
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The upstream returned a 429 without a recognizable rate-limit cause.",
		})
		return Action{Kind: ActionFatal}

	case VerdictModelNotFound:
		entry.Infof("model not found: %s", req.Model)
		WriteError(c, status, ErrorPayload{
			Message:   fmt.Sprintf("The requested model %q was not found for the assigned API key", req.Model),
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The model may be misspelled, retired, or unavailable to the proxy's accounts.",
		})
		return Action{Kind: ActionFatal}

	default:
		entry.Warnf("unhandled upstream error: %s", errMessage)
		WriteError(c, status, ErrorPayload{
			Message:   fmt.Sprintf("upstream API returned an error (status %d): %s", status, errMessage),
			Type:      errType,
			Code:      errCode,
			ProxyNote: "The proxy does not have special handling for this error.",
		})
		return Action{Kind: ActionFatal}
	}
}

// remainingAfterDisable counts usable keys minus the one about to be
// disabled, clamped at zero for the last-key case.
func (cl *Classifier) remainingAfterDisable(req *Request) int {
	remaining := cl.Pool.Available(req.Provider) - 1
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// extractErrorObject pulls type, message and code out of the error envelope.
// Both OpenAI ({"error": {...}}) and Anthropic ({"type": "error", "error":
// {...}}) wrap their error document the same way.
func extractErrorObject(body *Body) (errType, errMessage string, errCode any, ok bool) {
	if !body.IsJSON() {
		return "", "", nil, false
	}
	obj, isMap := body.JSON["error"].(map[string]any)
	if !isMap {
		return "", "", nil, false
	}
	errType, _ = obj["type"].(string)
	errMessage, _ = obj["message"].(string)
	errCode = obj["code"]
	return errType, errMessage, errCode, true
}
