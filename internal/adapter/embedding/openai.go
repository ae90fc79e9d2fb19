package embedding

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// OpenAIOption configures an OpenAIProvider. Zero values keep the default.
type OpenAIOption func(*OpenAIProvider)

func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithOpenAIDimensions(dims int) OpenAIOption {
	return func(p *OpenAIProvider) {
		if dims > 0 {
			p.dims = dims
		}
	}
}

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.ep.baseURL = url
		}
	}
}

func WithOpenAIClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.ep.client = client }
}

// OpenAIProvider talks to anything serving the OpenAI /embeddings route,
// which includes llama.cpp, vLLM and LocalAI.
type OpenAIProvider struct {
	model string
	dims  int
	ep    endpoint
}

// NewOpenAIProvider defaults to text-embedding-3-small (1536 dims). apiKey may
// be empty for local servers.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	p := &OpenAIProvider{
		model: "text-embedding-3-small",
		dims:  1536,
		ep: endpoint{
			provider: "openai",
			baseURL:  "https://api.openai.com/v1",
			path:     "/embeddings",
			header:   header,
			client:   &http.Client{Timeout: 30 * time.Second},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiEmbedResponse struct {
	Data []openaiEmbedData `json:"data"`
}

type openaiEmbedData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp openaiEmbedResponse
	if err := p.ep.post(ctx, openaiEmbedRequest{Input: texts, Model: p.model}, &resp); err != nil {
		return nil, err
	}

	// Servers may answer out of order; index is authoritative.
	slices.SortFunc(resp.Data, func(a, b openaiEmbedData) int { return a.Index - b.Index })
	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	if err := checkVectors(p.Name(), vecs, len(texts), p.dims); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dims }
func (p *OpenAIProvider) Name() string    { return "openai" }

var _ domain.EmbeddingProvider = (*OpenAIProvider)(nil)
