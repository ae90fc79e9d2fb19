package vector

import (
	"context"
	"sync"

	"github.com/aymankanso/agent/internal/adapter/memory"
	"github.com/aymankanso/agent/internal/domain"
)

// vecIndex caches the items of each namespace once it has been searched by
// similarity, so later searches skip SQLite. Puts into a loaded namespace
// update it in place.
type vecIndex struct {
	mu     sync.RWMutex
	spaces map[string][]memory.Candidate
}

func newVecIndex() *vecIndex {
	return &vecIndex{spaces: make(map[string][]memory.Candidate)}
}

func (idx *vecIndex) put(namespace string, item domain.MemoryItem, seq int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if cands, ok := idx.spaces[namespace]; ok {
		idx.spaces[namespace] = append(cands, memory.Candidate{Item: item, Seq: seq})
	}
}

// candidates returns a copy of the namespace, loading it from s on first use.
func (idx *vecIndex) candidates(ctx context.Context, s *Store, namespace string) ([]memory.Candidate, error) {
	idx.mu.RLock()
	cands, ok := idx.spaces[namespace]
	if ok {
		out := append([]memory.Candidate(nil), cands...)
		idx.mu.RUnlock()
		return out, nil
	}
	idx.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, namespace, content, metadata, embedding, created_at FROM items WHERE namespace = ? ORDER BY seq`,
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loaded []memory.Candidate
	for rows.Next() {
		it, seq, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, memory.Candidate{Item: it, Seq: seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idx.mu.Lock()
	// A concurrent put may have raced the load; the load is authoritative
	// because SQLite already holds that row.
	idx.spaces[namespace] = loaded
	idx.mu.Unlock()
	return append([]memory.Candidate(nil), loaded...), nil
}

func (idx *vecIndex) size(namespace string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.spaces[namespace])
}

func (idx *vecIndex) loaded(namespace string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.spaces[namespace]
	return ok
}
