package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
)

// anthropicVersion is pinned so upstream API revisions do not change
// behavior underneath deployed proxies.
const anthropicVersion = "2023-06-01"

// forwardedHeaders are the client headers that pass through to the
// provider. Everything else, credentials included, is proxy-owned.
var forwardedHeaders = []string{
	"Accept",
	"Openai-Beta",
	"Anthropic-Beta",
}

// Client sends relayed requests to provider APIs.
type Client struct {
	http      *http.Client
	upstreams map[config.Provider]config.Upstream
}

// NewClient builds the upstream client from configuration, including the
// optional forward proxy.
func NewClient(cfg *config.Config) (*Client, error) {
	transport, err := NewTransport(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		// No client-level timeout: streamed completions legitimately
		// run for minutes. Cancellation comes from the request context.
		http:      &http.Client{Transport: transport},
		upstreams: cfg.Upstreams,
	}, nil
}

// Do dispatches one attempt of a relayed request with its assigned
// credential and returns the raw upstream response.
func (c *Client) Do(ctx context.Context, req *relay.Request) (*http.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s request failed: %w", req.Provider, err)
	}
	return resp, nil
}

func (c *Client) buildRequest(ctx context.Context, req *relay.Request) (*http.Request, error) {
	upstreamCfg, ok := c.upstreams[req.Provider]
	if !ok {
		return nil, fmt.Errorf("upstream: no configuration for provider %q", req.Provider)
	}
	if req.Key == nil {
		return nil, fmt.Errorf("upstream: request %s has no assigned key", req.ID)
	}

	method := http.MethodPost
	var body *bytes.Reader
	if len(req.Body) == 0 {
		method = http.MethodGet
		body = bytes.NewReader(nil)
	} else {
		body = bytes.NewReader(req.Body)
	}

	target := strings.TrimSuffix(upstreamCfg.BaseURL, "/") + req.Route
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}

	for _, name := range forwardedHeaders {
		if v := req.Header.Get(name); v != "" {
			httpReq.Header.Set(name, v)
		}
	}
	if method == http.MethodPost {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	// Explicit so the transport leaves decompression to the pipeline.
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	switch req.Provider {
	case config.ProviderAnthropic:
		httpReq.Header.Set("X-Api-Key", req.Key.Secret())
		httpReq.Header.Set("Anthropic-Version", anthropicVersion)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+req.Key.Secret())
	}
	return httpReq, nil
}
