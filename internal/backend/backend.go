// Package backend dispatches a translated request to one node's
// OpenAI-compatible chat-completions endpoint (or, for an Anthropic
// backend node, passes the request through unchanged) and returns the
// raw streaming HTTP response for the translator to consume.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	internalhttp "github.com/clusterproxy/messages-proxy/pkg/internal/http"
	"github.com/clusterproxy/messages-proxy/pkg/internal/retry"
)

// Kind mirrors cluster.BackendKind without importing the cluster
// package, keeping backend a leaf dependency.
type Kind string

const (
	KindOpenAICompatible Kind = "openai_compatible"
	KindAnthropic        Kind = "anthropic"
)

// Provider dispatches one request to its backend node.
type Provider interface {
	// Dispatch sends body (already in the wire format the backend
	// expects) and returns the raw HTTP response for streaming
	// consumption. The caller owns closing the response body.
	Dispatch(ctx context.Context, body []byte) (*http.Response, error)
	Kind() Kind
	NodeID() string
}

// Config configures one node's provider.
type Config struct {
	NodeID     string
	BaseURL    string
	Kind       Kind
	AuthToken  string
	Timeout    time.Duration
	RetryCfg   retry.Config
}

type provider struct {
	cfg    Config
	client *internalhttp.Client
}

// New creates a Provider for one node. Retries are owned by the proxy,
// not by any client library, per the Design Notes'
// resolved Open Question — a node's provider is retried by the caller
// across *different* eligible nodes when available, so Dispatch itself
// performs no retries; retry.Do is applied by the caller around
// Dispatch, not inside it.
func New(cfg Config) Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	client := internalhttp.NewClient(internalhttp.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Headers: authHeaders(cfg),
	})
	return &provider{cfg: cfg, client: client}
}

func authHeaders(cfg Config) map[string]string {
	if cfg.AuthToken == "" {
		return nil
	}
	switch cfg.Kind {
	case KindAnthropic:
		return map[string]string{"x-api-key": cfg.AuthToken, "anthropic-version": "2023-06-01"}
	default:
		return map[string]string{"Authorization": "Bearer " + cfg.AuthToken}
	}
}

func (p *provider) Kind() Kind     { return p.cfg.Kind }
func (p *provider) NodeID() string { return p.cfg.NodeID }

func (p *provider) Dispatch(ctx context.Context, body []byte) (*http.Response, error) {
	path := "/v1/chat/completions"
	if p.cfg.Kind == KindAnthropic {
		path = "/v1/messages"
	}
	return p.client.DoStream(ctx, internalhttp.Request{
		Method:  http.MethodPost,
		Path:    path,
		Headers: map[string]string{"Accept": "text/event-stream"},
		Body:    json.RawMessage(body),
	})
}
