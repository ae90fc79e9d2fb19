package vector

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/aymankanso/agent/internal/adapter/memory"
	"github.com/aymankanso/agent/internal/domain"
)

// similar ranks the namespace by cosine similarity to key.
func (s *Store) similar(ctx context.Context, namespace, key string, topK int) ([]domain.MemoryItem, error) {
	vecs, err := s.embedder.Embed(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, domain.ErrEmbeddingFailed
	}

	cands, err := s.idx.candidates(ctx, s, namespace)
	if err != nil {
		return nil, err
	}
	if !s.opts.Hybrid {
		return memory.Rank(cands, vecs[0], topK), nil
	}

	ranked := memory.Rank(cands, vecs[0], 0)
	kw, err := s.keywordSearch(ctx, namespace, key, 0)
	if err != nil {
		s.logger.Warn("vector store: keyword half of hybrid search failed", "error", err)
		kw = nil
	}
	fused := reciprocalRankFusion(ranked, kw)
	if topK > 0 && len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

// keywordSearch runs an FTS5 match inside the namespace, best first. Queries
// FTS5 cannot parse fall back to LIKE.
func (s *Store) keywordSearch(ctx context.Context, namespace, key string, limit int) ([]domain.MemoryItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.seq, i.id, i.namespace, i.content, i.metadata, i.embedding, i.created_at
		 FROM items_fts f
		 JOIN items i ON i.seq = f.rowid
		 WHERE items_fts MATCH ? AND i.namespace = ?
		 ORDER BY bm25(items_fts), i.seq DESC
		 LIMIT ?`,
		ftsQuery(key), namespace, limit,
	)
	if err != nil {
		return s.likeSearch(ctx, namespace, key, limit)
	}
	defer rows.Close()
	return collect(rows)
}

func (s *Store) likeSearch(ctx context.Context, namespace, key string, limit int) ([]domain.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, namespace, content, metadata, embedding, created_at FROM items
		 WHERE namespace = ? AND content LIKE ? ORDER BY seq DESC LIMIT ?`,
		namespace, "%"+key+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ftsQuery ORs the key's words so partial overlap still matches.
func ftsQuery(key string) string {
	words := strings.Fields(key)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " OR ")
}

func collect(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]domain.MemoryItem, error) {
	var out []domain.MemoryItem
	for rows.Next() {
		it, _, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// reciprocalRankFusion merges two ranked lists using RRF (k=60). Ties keep
// the order of the first list.
func reciprocalRankFusion(primary, secondary []domain.MemoryItem) []domain.MemoryItem {
	const k = 60

	type fused struct {
		item  domain.MemoryItem
		score float64
		order int
	}
	byID := make(map[string]*fused, len(primary))
	var all []*fused
	add := func(list []domain.MemoryItem) {
		for rank, it := range list {
			f, ok := byID[it.ID]
			if !ok {
				f = &fused{item: it, order: len(all)}
				byID[it.ID] = f
				all = append(all, f)
			}
			f.score += 1.0 / float64(k+rank+1)
		}
	}
	add(primary)
	add(secondary)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].order < all[j].order
	})
	out := make([]domain.MemoryItem, len(all))
	for i, f := range all {
		out[i] = f.item
	}
	return out
}

// float32ToBytes converts a float32 slice to little-endian bytes.
func float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32 converts little-endian bytes back to a float32 slice.
func bytesToFloat32(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
