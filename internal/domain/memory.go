package domain

import (
	"context"
	"time"
)

// MemoryItem is a write-once entry in either memory region.
type MemoryItem struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MemoryRegion is the interface shape shared by both memory regions.
type MemoryRegion interface {
	Put(ctx context.Context, namespace string, item MemoryItem) error
	Query(ctx context.Context, namespace, key string, topK int) ([]MemoryItem, error)
}

// ShortTermMemory is session-scoped and supports sequential replay only.
// Query ignores key and returns the last topK items in insertion order.
type ShortTermMemory interface {
	MemoryRegion
	Replay(ctx context.Context, namespace string) ([]MemoryItem, error)
	Reset(ctx context.Context, namespace string) error
}

// LongTermMemory is a namespaced append-only similarity index.
type LongTermMemory interface {
	MemoryRegion
	Name() string
}
