// Package memory holds the in-process memory backends and the similarity
// ranking shared by every long-term store.
package memory

import (
	"math"
	"sort"

	"github.com/aymankanso/agent/internal/domain"
)

// Cosine returns dot(a,b) / (|a|*|b|), or 0 for empty, mismatched or zero vectors.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	r := dot / denom
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return float32(r)
}

// Candidate is an item with its insertion position, used for recency ties.
type Candidate struct {
	Item domain.MemoryItem
	Seq  int64
}

// Rank orders candidates by similarity to query, most similar first. Items
// without an embedding score 0. Equal scores (and a nil query) fall back to
// recency, newest first. topK <= 0 returns every candidate.
func Rank(cands []Candidate, query []float32, topK int) []domain.MemoryItem {
	type scored struct {
		Candidate
		score float32
	}
	all := make([]scored, len(cands))
	for i, c := range cands {
		all[i] = scored{Candidate: c}
		if query != nil && c.Item.Embedding != nil {
			all[i].score = Cosine(query, c.Item.Embedding)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].Seq > all[j].Seq
	})
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	out := make([]domain.MemoryItem, len(all))
	for i, s := range all {
		out[i] = s.Item
	}
	return out
}
