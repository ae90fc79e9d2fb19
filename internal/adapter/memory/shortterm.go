package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

// ShortTerm is the in-process session memory: one append-only list per namespace.
type ShortTerm struct {
	mu    sync.RWMutex
	lists map[string][]domain.MemoryItem
	now   func() time.Time
}

// NewShortTerm creates an empty ShortTerm.
func NewShortTerm() *ShortTerm {
	return &ShortTerm{lists: make(map[string][]domain.MemoryItem), now: time.Now}
}

// Put appends item to the namespace.
func (s *ShortTerm) Put(_ context.Context, namespace string, item domain.MemoryItem) error {
	item = stamp(item, namespace, s.now)
	s.mu.Lock()
	s.lists[namespace] = append(s.lists[namespace], item)
	s.mu.Unlock()
	return nil
}

// Query ignores key and returns the last topK items in insertion order.
// topK <= 0 returns everything.
func (s *ShortTerm) Query(_ context.Context, namespace, _ string, topK int) ([]domain.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[namespace]
	if topK > 0 && len(list) > topK {
		list = list[len(list)-topK:]
	}
	return cloneItems(list), nil
}

// Replay returns every item of the namespace in insertion order.
func (s *ShortTerm) Replay(ctx context.Context, namespace string) ([]domain.MemoryItem, error) {
	return s.Query(ctx, namespace, "", 0)
}

// Reset drops the namespace.
func (s *ShortTerm) Reset(_ context.Context, namespace string) error {
	s.mu.Lock()
	delete(s.lists, namespace)
	s.mu.Unlock()
	return nil
}

// stamp fills the fields a caller may leave empty. The result shares no
// memory with the caller's item.
func stamp(item domain.MemoryItem, namespace string, now func() time.Time) domain.MemoryItem {
	item = cloneItem(item)
	if item.ID == "" {
		item.ID = domain.NewID()
	}
	item.Namespace = namespace
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now().UTC()
	}
	return item
}

func cloneItem(item domain.MemoryItem) domain.MemoryItem {
	if item.Embedding != nil {
		item.Embedding = append([]float32(nil), item.Embedding...)
	}
	if item.Metadata != nil {
		md := make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			md[k] = v
		}
		item.Metadata = md
	}
	return item
}

func cloneItems(items []domain.MemoryItem) []domain.MemoryItem {
	out := make([]domain.MemoryItem, len(items))
	for i, it := range items {
		out[i] = cloneItem(it)
	}
	return out
}

var _ domain.ShortTermMemory = (*ShortTerm)(nil)
