// Package embedding provides text embedders for long-term memory.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

// New builds the configured provider, wrapped in an LRU cache when
// cfg.CacheSize > 0.
func New(cfg config.EmbeddingConfig) (domain.EmbeddingProvider, error) {
	var p domain.EmbeddingProvider
	switch cfg.Provider {
	case "", "hash":
		p = NewHashProvider(cfg.Dims)
	case "ollama":
		p = NewOllamaProvider(
			WithOllamaDimensions(cfg.Dims),
			WithOllamaModel(cfg.Model),
			WithOllamaBaseURL(cfg.BaseURL),
		)
	case "openai":
		p = NewOpenAIProvider(cfg.APIKey,
			WithOpenAIDimensions(cfg.Dims),
			WithOpenAIModel(cfg.Model),
			WithOpenAIBaseURL(cfg.BaseURL),
		)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", domain.ErrInvalidInput, cfg.Provider)
	}
	return NewCachedEmbedder(p, cfg.CacheSize), nil
}

// maxResponseBytes caps how much of an embedding response is read.
const maxResponseBytes = 10 << 20

// endpoint is the HTTP plumbing shared by the remote providers.
type endpoint struct {
	provider string
	baseURL  string
	path     string
	header   http.Header
	client   *http.Client
}

// post sends in as JSON and decodes a 200 response into out. Every failure
// wraps domain.ErrEmbeddingFailed.
func (e endpoint) post(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return e.fail("encode request", err)
	}
	url := strings.TrimRight(e.baseURL, "/") + e.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return e.fail("build request", err)
	}
	for k, vs := range e.header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return e.fail("send", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return e.fail("read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return fmt.Errorf("%w: %s: status %d: %s", domain.ErrEmbeddingFailed, e.provider, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return e.fail("decode response", err)
	}
	return nil
}

func (e endpoint) fail(step string, err error) error {
	return fmt.Errorf("%w: %s: %s: %v", domain.ErrEmbeddingFailed, e.provider, step, err)
}

// checkVectors rejects responses whose shape does not match the request.
// A dims of 0 skips the width check.
func checkVectors(provider string, vecs [][]float32, texts, dims int) error {
	if len(vecs) != texts {
		return fmt.Errorf("%w: %s returned %d vectors for %d texts", domain.ErrEmbeddingFailed, provider, len(vecs), texts)
	}
	if dims <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("%w: %s vector %d has %d dims, want %d", domain.ErrEmbeddingFailed, provider, i, len(v), dims)
		}
	}
	return nil
}
