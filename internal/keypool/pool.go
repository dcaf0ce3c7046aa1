// Package keypool maintains the shared registry of upstream provider
// credentials with per-key usage and health state. Mutations are atomic per
// key; selection skips disabled and cooling keys.
package keypool

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
)

// ErrNoKeys is returned when every key for a provider is disabled or cooling.
var ErrNoKeys = errors.New("keypool: no usable keys")

const defaultRateLimitCooldown = time.Minute

// Pool is the credential pool. The map lock only guards membership; field
// mutations go through each key's own lock.
type Pool struct {
	mu     sync.RWMutex
	byHash map[string]*Key
	order  map[config.Provider][]*Key
	cursor map[config.Provider]*atomic.Uint64

	nowFunc func() time.Time
}

// NewPool builds a pool from the configured upstream key lists.
func NewPool(upstreams map[config.Provider]config.Upstream) *Pool {
	p := &Pool{
		byHash:  make(map[string]*Key),
		order:   make(map[config.Provider][]*Key),
		cursor:  make(map[config.Provider]*atomic.Uint64),
		nowFunc: time.Now,
	}
	for provider, up := range upstreams {
		for _, secret := range up.Keys {
			p.add(provider, secret)
		}
	}
	return p
}

func (p *Pool) add(provider config.Provider, secret string) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return
	}
	k := newKey(provider, secret)
	if _, exists := p.byHash[k.hash]; exists {
		return
	}
	p.byHash[k.hash] = k
	p.order[provider] = append(p.order[provider], k)
	if p.cursor[provider] == nil {
		p.cursor[provider] = &atomic.Uint64{}
	}
}

// Reload merges freshly configured keys into the pool. Existing keys keep
// their health state; keys absent from the new config are disabled.
func (p *Pool) Reload(upstreams map[config.Provider]config.Upstream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	configured := make(map[string]bool)
	for provider, up := range upstreams {
		for _, secret := range up.Keys {
			k := newKey(provider, strings.TrimSpace(secret))
			configured[k.hash] = true
			if _, exists := p.byHash[k.hash]; !exists {
				p.byHash[k.hash] = k
				p.order[provider] = append(p.order[provider], k)
				if p.cursor[provider] == nil {
					p.cursor[provider] = &atomic.Uint64{}
				}
				log.Infof("keypool: added key %s for %s", k.hash, provider)
			}
		}
	}
	for hash, k := range p.byHash {
		if !configured[hash] && !k.Disabled() {
			p.disableLocked(k, "removed from configuration")
		}
	}
}

// Get picks the next usable key for provider in round-robin order.
func (p *Pool) Get(provider config.Provider) (*Key, error) {
	p.mu.RLock()
	keys := p.order[provider]
	cursor := p.cursor[provider]
	p.mu.RUnlock()

	if len(keys) == 0 || cursor == nil {
		return nil, fmt.Errorf("%w for provider %s", ErrNoKeys, provider)
	}
	now := p.nowFunc()
	start := cursor.Add(1)
	for i := 0; i < len(keys); i++ {
		k := keys[(start+uint64(i))%uint64(len(keys))]
		if k.usable(now) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w for provider %s", ErrNoKeys, provider)
}

// Lookup returns the key with the given hash, if present.
func (p *Pool) Lookup(hash string) (*Key, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.byHash[hash]
	return k, ok
}

// Available counts keys for provider that are neither disabled nor cooling.
func (p *Pool) Available(provider config.Provider) int {
	p.mu.RLock()
	keys := p.order[provider]
	p.mu.RUnlock()

	now := p.nowFunc()
	n := 0
	for _, k := range keys {
		if k.usable(now) {
			n++
		}
	}
	return n
}

// Disable permanently removes a key from rotation.
func (p *Pool) Disable(k *Key, reason string) {
	if k == nil {
		return
	}
	p.disableLocked(k, reason)
}

func (p *Pool) disableLocked(k *Key, reason string) {
	k.mu.Lock()
	alreadyDisabled := k.disabled
	k.disabled = true
	k.disabledReason = reason
	k.updatedAt = p.now()
	k.mu.Unlock()
	if !alreadyDisabled {
		log.Warnf("keypool: disabled key %s (%s): %s", k.hash, k.provider, reason)
	}
}

// MarkRateLimited puts the key into cooldown until its tracked window resets,
// or for a default cooldown when no reset time is known.
func (p *Pool) MarkRateLimited(hash string) {
	k, ok := p.Lookup(hash)
	if !ok {
		return
	}
	now := p.now()
	k.mu.Lock()
	until := k.windowResetAt
	if !until.After(now) {
		until = now.Add(defaultRateLimitCooldown)
	}
	k.rateLimitedUntil = until
	k.updatedAt = now
	k.mu.Unlock()
	log.Debugf("keypool: key %s rate-limited until %s", hash, until.Format(time.RFC3339))
}

// UpdateRateLimitWindow records the upstream's rate-limit headers for the key.
// Called on every attempt, success or failure.
func (p *Pool) UpdateRateLimitWindow(hash string, headers http.Header) {
	k, ok := p.Lookup(hash)
	if !ok {
		return
	}
	now := p.now()

	requests := headerInt(headers, "x-ratelimit-remaining-requests", "anthropic-ratelimit-requests-remaining")
	tokens := headerInt(headers, "x-ratelimit-remaining-tokens", "anthropic-ratelimit-tokens-remaining")
	reset := headerReset(headers, now,
		"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens",
		"anthropic-ratelimit-requests-reset", "retry-after")

	k.mu.Lock()
	if requests >= 0 {
		k.requestsRemaining = requests
	}
	if tokens >= 0 {
		k.tokensRemaining = tokens
	}
	if !reset.IsZero() {
		k.windowResetAt = reset
	}
	k.updatedAt = now
	k.mu.Unlock()
}

// IncrementUsage bumps the key's prompt counter.
func (p *Pool) IncrementUsage(hash string) {
	k, ok := p.Lookup(hash)
	if !ok {
		return
	}
	k.mu.Lock()
	k.promptCount++
	k.updatedAt = p.now()
	k.mu.Unlock()
}

func (p *Pool) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

// headerInt returns the first parseable non-negative integer among the named
// headers, or -1 when none is present.
func headerInt(h http.Header, names ...string) int64 {
	for _, name := range names {
		raw := strings.TrimSpace(h.Get(name))
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			return v
		}
	}
	return -1
}

// headerReset resolves the first parseable reset header into an absolute time.
// OpenAI uses durations like "6m0s" or "821ms"; Anthropic uses RFC 3339;
// retry-after is integer seconds.
func headerReset(h http.Header, now time.Time, names ...string) time.Time {
	for _, name := range names {
		raw := strings.TrimSpace(h.Get(name))
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return now.Add(d)
		}
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil && t.After(now) {
			return t
		}
	}
	return time.Time{}
}
