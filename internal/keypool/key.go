package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
)

// Key is one pooled upstream credential. All mutable fields are guarded by mu;
// the pool never takes a key's lock while holding its own map lock, so
// unrelated requests touching different keys do not serialize.
type Key struct {
	mu sync.Mutex

	secret   string
	hash     string
	provider config.Provider

	disabled       bool
	disabledReason string

	rateLimitedUntil time.Time

	requestsRemaining int64
	tokensRemaining   int64
	windowResetAt     time.Time

	promptCount int64
	updatedAt   time.Time
}

func newKey(provider config.Provider, secret string) *Key {
	sum := sha256.Sum256([]byte(secret))
	return &Key{
		secret:            secret,
		hash:              hex.EncodeToString(sum[:8]),
		provider:          provider,
		requestsRemaining: -1,
		tokensRemaining:   -1,
	}
}

// Secret returns the raw credential value for outbound authorization.
func (k *Key) Secret() string { return k.secret }

// Hash returns the short identifier used in logs and diagnostics. The raw
// secret never appears in any payload or log line.
func (k *Key) Hash() string { return k.hash }

// Provider reports which upstream family the key belongs to.
func (k *Key) Provider() config.Provider { return k.provider }

// Disabled reports whether the key has been removed from rotation.
func (k *Key) Disabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.disabled
}

// DisabledReason returns the reason recorded when the key was disabled.
func (k *Key) DisabledReason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.disabledReason
}

// RateLimited reports whether the key is inside a rate-limit cooldown at now.
func (k *Key) RateLimited(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rateLimitedUntil.After(now)
}

// PromptCount returns the number of quota-relevant prompts served by this key.
func (k *Key) PromptCount() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.promptCount
}

func (k *Key) usable(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.disabled {
		return false
	}
	if k.rateLimitedUntil.After(now) {
		return false
	}
	// A key whose reported window is spent will 429 anyway; skip it until
	// the window resets. Unknown counts are -1 and never match.
	if k.windowResetAt.After(now) && (k.requestsRemaining == 0 || k.tokensRemaining == 0) {
		return false
	}
	return true
}
