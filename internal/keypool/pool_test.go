package keypool

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
)

func testUpstreams(keys ...string) map[config.Provider]config.Upstream {
	return map[config.Provider]config.Upstream{
		config.ProviderOpenAI: {BaseURL: "https://api.openai.com", Keys: keys},
	}
}

func TestGetRoundRobin(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one", "sk-two", "sk-three"))

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		k, err := pool.Get(config.ProviderOpenAI)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		seen[k.Hash()]++
	}
	if len(seen) != 3 {
		t.Errorf("Expected rotation across 3 keys, got %d", len(seen))
	}
	for hash, count := range seen {
		if count != 3 {
			t.Errorf("Key %s picked %d times, want 3", hash, count)
		}
	}
}

func TestGetSkipsDisabled(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one", "sk-two"))

	first, err := pool.Get(config.ProviderOpenAI)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	pool.Disable(first, "revoked")

	for i := 0; i < 4; i++ {
		k, err := pool.Get(config.ProviderOpenAI)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if k.Hash() == first.Hash() {
			t.Fatal("Disabled key returned from Get")
		}
	}
}

func TestGetAllDisabled(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one"))
	k, _ := pool.Get(config.ProviderOpenAI)
	pool.Disable(k, "revoked")

	if _, err := pool.Get(config.ProviderOpenAI); err == nil {
		t.Fatal("Expected error when all keys disabled")
	}
}

func TestAvailableExcludesDisabledAndCooling(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one", "sk-two", "sk-three"))
	if got := pool.Available(config.ProviderOpenAI); got != 3 {
		t.Fatalf("Available = %d, want 3", got)
	}

	k, _ := pool.Get(config.ProviderOpenAI)
	pool.Disable(k, "revoked")
	if got := pool.Available(config.ProviderOpenAI); got != 2 {
		t.Errorf("Available after disable = %d, want 2", got)
	}

	k2, _ := pool.Get(config.ProviderOpenAI)
	pool.MarkRateLimited(k2.Hash())
	if got := pool.Available(config.ProviderOpenAI); got != 1 {
		t.Errorf("Available after rate-limit = %d, want 1", got)
	}
}

func TestMarkRateLimitedUsesWindowReset(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one"))
	k, _ := pool.Get(config.ProviderOpenAI)

	headers := http.Header{}
	headers.Set("x-ratelimit-reset-requests", "30s")
	pool.UpdateRateLimitWindow(k.Hash(), headers)
	pool.MarkRateLimited(k.Hash())

	if !k.RateLimited(time.Now()) {
		t.Error("Key should be cooling immediately after MarkRateLimited")
	}
	if k.RateLimited(time.Now().Add(45 * time.Second)) {
		t.Error("Key should have recovered after the reset window")
	}
}

func TestMarkRateLimitedDefaultCooldown(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one"))
	k, _ := pool.Get(config.ProviderOpenAI)
	pool.MarkRateLimited(k.Hash())

	if !k.RateLimited(time.Now()) {
		t.Error("Key should be cooling after MarkRateLimited")
	}
	if k.RateLimited(time.Now().Add(defaultRateLimitCooldown + time.Second)) {
		t.Error("Key should recover after the default cooldown")
	}
}

func TestUpdateRateLimitWindowParsesHeaders(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one"))
	k, _ := pool.Get(config.ProviderOpenAI)

	headers := http.Header{}
	headers.Set("x-ratelimit-remaining-requests", "42")
	headers.Set("x-ratelimit-remaining-tokens", "90000")
	headers.Set("x-ratelimit-reset-requests", "6m0s")
	pool.UpdateRateLimitWindow(k.Hash(), headers)

	k.mu.Lock()
	requests, tokens, reset := k.requestsRemaining, k.tokensRemaining, k.windowResetAt
	k.mu.Unlock()

	if requests != 42 {
		t.Errorf("requestsRemaining = %d, want 42", requests)
	}
	if tokens != 90000 {
		t.Errorf("tokensRemaining = %d, want 90000", tokens)
	}
	if reset.Before(time.Now().Add(5 * time.Minute)) {
		t.Errorf("windowResetAt = %v, expected ~6m out", reset)
	}
}

func TestGetSkipsDepletedWindow(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one", "sk-two"))
	k, _ := pool.Get(config.ProviderOpenAI)

	headers := http.Header{}
	headers.Set("x-ratelimit-remaining-requests", "0")
	headers.Set("x-ratelimit-reset-requests", "30s")
	pool.UpdateRateLimitWindow(k.Hash(), headers)

	if got := pool.Available(config.ProviderOpenAI); got != 1 {
		t.Errorf("Available = %d, want 1", got)
	}
	for i := 0; i < 4; i++ {
		next, err := pool.Get(config.ProviderOpenAI)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if next.Hash() == k.Hash() {
			t.Fatal("Depleted key returned from Get")
		}
	}
	if !k.usable(time.Now().Add(45 * time.Second)) {
		t.Error("Key should recover once its window resets")
	}
}

func TestUnknownWindowCountsStayUsable(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one"))
	k, _ := pool.Get(config.ProviderOpenAI)

	// A reset time with no depleted count must not take the key out of
	// rotation.
	headers := http.Header{}
	headers.Set("x-ratelimit-reset-requests", "30s")
	pool.UpdateRateLimitWindow(k.Hash(), headers)

	if _, err := pool.Get(config.ProviderOpenAI); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
}

func TestIncrementUsage(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one"))
	k, _ := pool.Get(config.ProviderOpenAI)

	for i := 0; i < 5; i++ {
		pool.IncrementUsage(k.Hash())
	}
	if got := k.PromptCount(); got != 5 {
		t.Errorf("PromptCount = %d, want 5", got)
	}
}

func TestConcurrentMutations(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one", "sk-two", "sk-three", "sk-four"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k, err := pool.Get(config.ProviderOpenAI)
				if err != nil {
					return
				}
				pool.IncrementUsage(k.Hash())
				headers := http.Header{}
				headers.Set("x-ratelimit-remaining-requests", "10")
				pool.UpdateRateLimitWindow(k.Hash(), headers)
			}
		}()
	}
	wg.Wait()

	if got := pool.Available(config.ProviderOpenAI); got != 4 {
		t.Errorf("Available after concurrent churn = %d, want 4", got)
	}
}

func TestReloadKeepsStateAndDisablesRemoved(t *testing.T) {
	pool := NewPool(testUpstreams("sk-one", "sk-two"))
	k, _ := pool.Get(config.ProviderOpenAI)
	pool.IncrementUsage(k.Hash())

	pool.Reload(testUpstreams("sk-one"))

	survivors := pool.Available(config.ProviderOpenAI)
	if survivors != 1 {
		t.Errorf("Available after reload = %d, want 1", survivors)
	}
}

func TestKeySecretNeverInHash(t *testing.T) {
	pool := NewPool(testUpstreams("sk-super-secret-value"))
	k, _ := pool.Get(config.ProviderOpenAI)
	if k.Hash() == k.Secret() {
		t.Error("Hash must not expose the raw secret")
	}
	if len(k.Hash()) != 16 {
		t.Errorf("Hash length = %d, want 16 hex chars", len(k.Hash()))
	}
}
