package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" || len(req.Input) != 2 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}})
	}))
	defer server.Close()

	p := NewOllamaProvider(WithOllamaBaseURL(server.URL+"/"), WithOllamaDimensions(3))
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][2] != 0.6 {
		t.Errorf("vecs = %v", vecs)
	}
	if p.Name() != "ollama" || p.Dimensions() != 3 {
		t.Errorf("Name/Dimensions = %s/%d", p.Name(), p.Dimensions())
	}
}

func TestOllamaEmbedErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{"))
		}},
		{"wrong dims", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}}})
		}},
		{"wrong count", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			p := NewOllamaProvider(WithOllamaBaseURL(server.URL), WithOllamaDimensions(3))
			_, err := p.Embed(context.Background(), []string{"x"})
			if !errors.Is(err, domain.ErrEmbeddingFailed) {
				t.Errorf("err = %v, want ErrEmbeddingFailed", err)
			}
		})
	}
}

func TestOpenAIEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		// Out of order on purpose.
		json.NewEncoder(w).Encode(openaiEmbedResponse{Data: []openaiEmbedData{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		}})
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", WithOpenAIBaseURL(server.URL+"/v1"), WithOpenAIDimensions(2))
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vecs not ordered by index: %v", vecs)
	}
}

func TestOpenAIEmbedNoKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("no Authorization header expected without a key")
		}
		json.NewEncoder(w).Encode(openaiEmbedResponse{Data: []openaiEmbedData{{Embedding: []float32{1}}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider("", WithOpenAIBaseURL(server.URL), WithOpenAIDimensions(1))
	if _, err := p.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatal(err)
	}
}

func TestNewFromConfig(t *testing.T) {
	p, err := New(config.EmbeddingConfig{Provider: "hash", Dims: 32, CacheSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*CachedEmbedder); !ok {
		t.Errorf("expected cached wrapper, got %T", p)
	}
	if p.Dimensions() != 32 || p.Name() != "hash" {
		t.Errorf("Dimensions/Name = %d/%s", p.Dimensions(), p.Name())
	}

	p, err = New(config.EmbeddingConfig{Provider: "ollama", Model: "mxbai-embed-large", Dims: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if op, ok := p.(*OllamaProvider); !ok || op.model != "mxbai-embed-large" || op.dims != 1024 {
		t.Errorf("ollama provider = %#v", p)
	}

	if _, err := New(config.EmbeddingConfig{Provider: "gemini"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown provider err = %v", err)
	}
}
