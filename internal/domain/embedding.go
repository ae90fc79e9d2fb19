package domain

import "context"

// EmbeddingProvider turns text into fixed-width vectors for long-term memory.
// Vectors of one provider are comparable only with each other.
type EmbeddingProvider interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
