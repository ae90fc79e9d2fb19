package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// LongTerm is an in-process similarity index. Items are write-once.
type LongTerm struct {
	embedder domain.EmbeddingProvider
	logger   *slog.Logger

	mu    sync.RWMutex
	items map[string][]Candidate
	ids   map[string]bool
	seq   int64
	now   func() time.Time
}

// NewLongTerm creates a LongTerm. embedder may be nil, in which case only items
// that arrive with an embedding are ranked by similarity.
func NewLongTerm(embedder domain.EmbeddingProvider, logger *slog.Logger) *LongTerm {
	if logger == nil {
		logger = slog.Default()
	}
	return &LongTerm{
		embedder: embedder,
		logger:   logger,
		items:    make(map[string][]Candidate),
		ids:      make(map[string]bool),
		now:      time.Now,
	}
}

// Put stores item, embedding its content when it carries no vector.
// Reusing an id returns domain.ErrDuplicate.
func (l *LongTerm) Put(ctx context.Context, namespace string, item domain.MemoryItem) error {
	item = stamp(item, namespace, l.now)
	if item.Embedding == nil && l.embedder != nil && item.Content != "" {
		vecs, err := l.embedder.Embed(ctx, []string{item.Content})
		if err != nil {
			l.logger.Warn("long-term memory: embedding failed, storing without vector", "id", item.ID, "error", err)
		} else if len(vecs) == 1 {
			item.Embedding = vecs[0]
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ids[item.ID] {
		return domain.NewSubSystemError("memory", "LongTerm.Put", domain.ErrDuplicate, item.ID)
	}
	l.ids[item.ID] = true
	l.seq++
	l.items[namespace] = append(l.items[namespace], Candidate{Item: item, Seq: l.seq})
	return nil
}

// Query ranks the namespace by similarity to key. An empty key, or a failed
// embedding, ranks by recency alone.
func (l *LongTerm) Query(ctx context.Context, namespace, key string, topK int) ([]domain.MemoryItem, error) {
	var query []float32
	if key != "" && l.embedder != nil {
		vecs, err := l.embedder.Embed(ctx, []string{key})
		if err != nil {
			l.logger.Warn("long-term memory: query embedding failed, ranking by recency", "error", err)
		} else if len(vecs) == 1 {
			query = vecs[0]
		}
	}

	l.mu.RLock()
	cands := append([]Candidate(nil), l.items[namespace]...)
	l.mu.RUnlock()
	return cloneItems(Rank(cands, query, topK)), nil
}

// Name implements domain.LongTermMemory.
func (l *LongTerm) Name() string { return "inmem" }

var _ domain.LongTermMemory = (*LongTerm)(nil)
