package vector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aymankanso/agent/internal/domain"
)

type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := m[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}
func (m mapEmbedder) Dimensions() int { return 2 }
func (m mapEmbedder) Name() string    { return "map" }

func newTestStore(t *testing.T, emb domain.EmbeddingProvider, opts ...Options) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "memory.db"), emb, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.Put(ctx, "ops", domain.MemoryItem{ID: "a", Content: "open ports on host"}))
	err := s.Put(ctx, "ops", domain.MemoryItem{ID: "a", Content: "again"})
	assert.True(t, errors.Is(err, domain.ErrDuplicate), "got %v", err)

	n, err := s.Count(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "sqlite", s.Name())
}

func TestStoreKeywordSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	items := []domain.MemoryItem{
		{ID: "1", Content: "nmap found ssh on port 22"},
		{ID: "2", Content: "web server banner is nginx"},
		{ID: "3", Content: "credentials reused across ssh hosts", Metadata: map[string]string{"src": "hydra"}},
	}
	for _, it := range items {
		require.NoError(t, s.Put(ctx, "engagement", it))
	}
	require.NoError(t, s.Put(ctx, "other", domain.MemoryItem{ID: "4", Content: "ssh everywhere"}))

	got, err := s.Query(ctx, "engagement", "ssh", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, it := range got {
		assert.Equal(t, "engagement", it.Namespace)
		assert.Contains(t, it.Content, "ssh")
	}

	// Keyword hits first, recency fills the rest.
	got, err = s.Query(ctx, "engagement", "nginx", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
	assert.Equal(t, map[string]string{"src": "hydra"}, got[1].Metadata)
}

func TestStoreRecentWhenKeyEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Put(ctx, "ns", domain.MemoryItem{ID: fmt.Sprint(i), Content: fmt.Sprintf("note %d", i)}))
	}
	got, err := s.Query(ctx, "ns", "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "4", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestStoreSimilarity(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{
		"east":  {1, 0},
		"north": {0, 1},
		"ne":    {0.7, 0.7},
		"query": {0.9, 0.1},
	}
	s := newTestStore(t, emb)

	for _, c := range []string{"north", "east", "ne"} {
		require.NoError(t, s.Put(ctx, "dirs", domain.MemoryItem{ID: c, Content: c}))
	}
	// No vector for this one; it scores zero and sorts last.
	require.NoError(t, s.Put(ctx, "dirs", domain.MemoryItem{ID: "blank", Content: "unknown text"}))

	got, err := s.Query(ctx, "dirs", "query", 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"east", "ne", "north", "blank"}, ids(got))
	assert.Len(t, got[0].Embedding, 2)

	// Items put after the index loads are visible.
	require.NoError(t, s.Put(ctx, "dirs", domain.MemoryItem{ID: "east2", Content: "x", Embedding: []float32{1, 0}}))
	assert.True(t, s.idx.loaded("dirs"))
	assert.Equal(t, 5, s.idx.size("dirs"))

	got, err = s.Query(ctx, "dirs", "query", 2)
	require.NoError(t, err)
	// Equal scores fall back to recency.
	assert.Equal(t, []string{"east2", "east"}, ids(got))
}

func TestStoreSimilarityFallsBackToKeywords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, mapEmbedder{"alpha beta": {1, 0}})
	require.NoError(t, s.Put(ctx, "ns", domain.MemoryItem{ID: "1", Content: "alpha beta"}))
	require.NoError(t, s.Put(ctx, "ns", domain.MemoryItem{ID: "2", Content: "gamma"}))

	// "gamma" has no vector, so the query embedding fails.
	got, err := s.Query(ctx, "ns", "gamma", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}

func TestStoreHybrid(t *testing.T) {
	ctx := context.Background()
	emb := mapEmbedder{
		"ssh keys":    {1, 0},
		"ssh banner":  {0, 1},
		"web banner":  {0.1, 1},
		"ssh session": {0.2, 0.9},
	}
	s := newTestStore(t, emb, Options{Hybrid: true})
	for i, c := range []string{"ssh keys", "ssh banner", "web banner"} {
		require.NoError(t, s.Put(ctx, "ns", domain.MemoryItem{ID: fmt.Sprint(i), Content: c}))
	}

	got, err := s.Query(ctx, "ns", "ssh session", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// "ssh banner" ranks high on both lists.
	assert.Equal(t, "1", got[0].ID)
}

func TestStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := New(path, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "ns", domain.MemoryItem{ID: "1", Content: "persisted", Embedding: []float32{0.5, -0.25}}))
	require.NoError(t, s.Close())

	s, err = New(path, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Query(ctx, "ns", "persisted", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0.5, -0.25}, got[0].Embedding)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestReciprocalRankFusion(t *testing.T) {
	a := []domain.MemoryItem{{ID: "x"}, {ID: "y"}, {ID: "z"}}
	b := []domain.MemoryItem{{ID: "y"}, {ID: "w"}}
	got := reciprocalRankFusion(a, b)
	assert.Equal(t, []string{"y", "x", "w", "z"}, ids(got))
}

func TestFloat32Bytes(t *testing.T) {
	v := []float32{1.5, -2, 0}
	assert.Equal(t, v, bytesToFloat32(float32ToBytes(v)))
	assert.Nil(t, bytesToFloat32([]byte{1, 2, 3}))
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"a" OR "b""c"`, ftsQuery(`a b"c`))
}

func ids(items []domain.MemoryItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
