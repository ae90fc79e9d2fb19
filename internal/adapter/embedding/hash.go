package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/aymankanso/agent/internal/domain"
)

// DefaultHashDims is the vector size of the hash embedder when none is configured.
const DefaultHashDims = 256

// HashProvider embeds text offline with the feature-hashing trick: every
// lowercased token and token bigram is hashed to a signed bucket, and the
// vector is L2-normalized. Texts sharing vocabulary land close together.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hash embedder with dims buckets.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashProvider{dims: dims}
}

// Embed implements domain.EmbeddingProvider. It never fails.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embed(t)
	}
	return out, nil
}

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		p.add(vec, tok, 1)
		if i > 0 {
			p.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec
}

func (p *HashProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Dimensions implements domain.EmbeddingProvider.
func (p *HashProvider) Dimensions() int { return p.dims }

// Name implements domain.EmbeddingProvider.
func (p *HashProvider) Name() string { return "hash" }

var _ domain.EmbeddingProvider = (*HashProvider)(nil)
