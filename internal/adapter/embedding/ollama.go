package embedding

import (
	"context"
	"net/http"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// OllamaOption configures an OllamaProvider. Zero values keep the default.
type OllamaOption func(*OllamaProvider)

func WithOllamaModel(model string) OllamaOption {
	return func(p *OllamaProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithOllamaDimensions(dims int) OllamaOption {
	return func(p *OllamaProvider) {
		if dims > 0 {
			p.dims = dims
		}
	}
}

func WithOllamaBaseURL(url string) OllamaOption {
	return func(p *OllamaProvider) {
		if url != "" {
			p.ep.baseURL = url
		}
	}
}

func WithOllamaClient(client *http.Client) OllamaOption {
	return func(p *OllamaProvider) { p.ep.client = client }
}

// OllamaProvider embeds batches with a local Ollama server via /api/embed.
type OllamaProvider struct {
	model string
	dims  int
	ep    endpoint
}

// NewOllamaProvider defaults to nomic-embed-text (768 dims) on localhost:11434.
func NewOllamaProvider(opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		model: "nomic-embed-text",
		dims:  768,
		ep: endpoint{
			provider: "ollama",
			baseURL:  "http://localhost:11434",
			path:     "/api/embed",
			client:   &http.Client{Timeout: time.Minute},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp ollamaEmbedResponse
	if err := p.ep.post(ctx, ollamaEmbedRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if err := checkVectors(p.Name(), resp.Embeddings, len(texts), p.dims); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (p *OllamaProvider) Dimensions() int { return p.dims }
func (p *OllamaProvider) Name() string    { return "ollama" }

var _ domain.EmbeddingProvider = (*OllamaProvider)(nil)
