package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aymankanso/agent/internal/domain"
)

type fixedEmbedder map[string][]float32

func (f fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}
func (f fixedEmbedder) Dimensions() int { return 2 }
func (f fixedEmbedder) Name() string    { return "fixed" }

func TestShortTermQueryTail(t *testing.T) {
	ctx := context.Background()
	s := NewShortTerm()
	for i := 1; i <= 5; i++ {
		if err := s.Put(ctx, "s1", domain.MemoryItem{Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	s.Put(ctx, "s2", domain.MemoryItem{Content: "other"})

	got, _ := s.Query(ctx, "s1", "ignored", 2)
	if len(got) != 2 || got[0].Content != "m4" || got[1].Content != "m5" {
		t.Errorf("Query tail = %+v", got)
	}
	if got[0].ID == "" || got[0].Namespace != "s1" || got[0].CreatedAt.IsZero() {
		t.Errorf("item not stamped: %+v", got[0])
	}

	all, _ := s.Replay(ctx, "s1")
	if len(all) != 5 || all[0].Content != "m1" {
		t.Errorf("Replay = %d items", len(all))
	}

	if err := s.Reset(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	all, _ = s.Replay(ctx, "s1")
	if len(all) != 0 {
		t.Error("Reset should clear the namespace")
	}
	other, _ := s.Replay(ctx, "s2")
	if len(other) != 1 {
		t.Error("Reset must not touch other namespaces")
	}
}

func TestShortTermConcurrentPut(t *testing.T) {
	ctx := context.Background()
	s := NewShortTerm()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Put(ctx, "ns", domain.MemoryItem{Content: "x"})
		}()
	}
	wg.Wait()
	all, _ := s.Replay(ctx, "ns")
	if len(all) != 50 {
		t.Errorf("got %d items, want 50", len(all))
	}
}

func TestStoresDoNotAlias(t *testing.T) {
	ctx := context.Background()
	stores := map[string]domain.MemoryRegion{
		"short": NewShortTerm(),
		"long":  NewLongTerm(nil, nil),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			in := domain.MemoryItem{
				ID:        "a",
				Content:   "ssh on 22",
				Embedding: []float32{1, 0},
				Metadata:  map[string]string{"kind": "finding"},
			}
			if err := s.Put(ctx, "ns", in); err != nil {
				t.Fatal(err)
			}
			in.Embedding[0] = 9
			in.Metadata["kind"] = "changed"

			got, _ := s.Query(ctx, "ns", "", 0)
			if len(got) != 1 {
				t.Fatalf("got %d items", len(got))
			}
			if got[0].Embedding[0] != 1 || got[0].Metadata["kind"] != "finding" {
				t.Errorf("stored item follows caller mutation: %+v", got[0])
			}

			got[0].Embedding[1] = 7
			got[0].Metadata["kind"] = "mutated"
			again, _ := s.Query(ctx, "ns", "", 0)
			if again[0].Embedding[1] != 0 || again[0].Metadata["kind"] != "finding" {
				t.Errorf("stored item follows result mutation: %+v", again[0])
			}
		})
	}
}

func TestLongTermSimilarity(t *testing.T) {
	ctx := context.Background()
	emb := fixedEmbedder{
		"ssh on 22":      {1, 0},
		"http on 80":     {0, 1},
		"ssh weak creds": {0.9, 0.1},
		"ssh":            {1, 0},
	}
	l := NewLongTerm(emb, nil)
	for _, c := range []string{"ssh on 22", "http on 80", "ssh weak creds"} {
		if err := l.Put(ctx, "findings", domain.MemoryItem{Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Query(ctx, "findings", "ssh", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "ssh on 22" || got[1].Content != "ssh weak creds" {
		t.Errorf("Query = %+v", got)
	}

	none, _ := l.Query(ctx, "other", "ssh", 5)
	if len(none) != 0 {
		t.Error("namespaces must be isolated")
	}
}

func TestLongTermRecencyFallback(t *testing.T) {
	ctx := context.Background()
	l := NewLongTerm(nil, nil)
	for _, c := range []string{"first", "second", "third"} {
		l.Put(ctx, "ns", domain.MemoryItem{Content: c})
	}
	got, _ := l.Query(ctx, "ns", "anything", 2)
	if len(got) != 2 || got[0].Content != "third" || got[1].Content != "second" {
		t.Errorf("recency fallback = %+v", got)
	}
}

func TestLongTermMissingEmbeddingsRankLast(t *testing.T) {
	ctx := context.Background()
	l := NewLongTerm(nil, nil)
	l.Put(ctx, "ns", domain.MemoryItem{Content: "vec", Embedding: []float32{1, 0}})
	l.Put(ctx, "ns", domain.MemoryItem{Content: "plain"})

	// The query embedding is supplied by a second store sharing the index shape.
	l.embedder = fixedEmbedder{"q": {1, 0}}
	got, _ := l.Query(ctx, "ns", "q", 0)
	if len(got) != 2 || got[0].Content != "vec" {
		t.Errorf("Query = %+v", got)
	}
}

func TestLongTermWriteOnce(t *testing.T) {
	ctx := context.Background()
	l := NewLongTerm(nil, nil)
	if err := l.Put(ctx, "ns", domain.MemoryItem{ID: "a", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	err := l.Put(ctx, "ns", domain.MemoryItem{ID: "a", Content: "y"})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestLongTermEmbedFailureStillStores(t *testing.T) {
	ctx := context.Background()
	l := NewLongTerm(fixedEmbedder{}, nil)
	if err := l.Put(ctx, "ns", domain.MemoryItem{Content: "unknown text"}); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Query(ctx, "ns", "", 0)
	if len(got) != 1 || got[0].Embedding != nil {
		t.Errorf("got %+v", got)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float32
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{1}, []float32{1, 0}, 0},
		{nil, nil, 0},
		{[]float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); got != tt.want {
			t.Errorf("Cosine(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
