// Package vector is the SQLite long-term memory: an append-only item table
// with FTS5 keyword search and cosine ranking over stored embeddings.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aymankanso/agent/internal/domain"
)

// Options tunes search.
type Options struct {
	// Hybrid fuses keyword and vector rankings with reciprocal rank fusion
	// instead of ranking by similarity alone. Ignored without an embedder.
	Hybrid bool
}

// Store implements domain.LongTermMemory on SQLite. Embeddings of each
// namespace are cached in memory on its first similarity query.
type Store struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider
	logger   *slog.Logger
	opts     Options
	idx      *vecIndex
}

// New opens (or creates) the database at dbPath and runs migrations. Pass a
// nil embedder for keyword-only search.
func New(dbPath string, embedder domain.EmbeddingProvider, logger *slog.Logger, opts ...Options) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrVectorStore, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrVectorStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrVectorStore, err)
	}

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	return &Store{db: db, embedder: embedder, logger: logger, opts: o, idx: newVecIndex()}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Name implements domain.LongTermMemory.
func (s *Store) Name() string { return "sqlite" }

// Put implements domain.LongTermMemory. Items without an embedding are
// embedded from their content when an embedder is configured; an embedding
// failure stores the item without a vector.
func (s *Store) Put(ctx context.Context, namespace string, item domain.MemoryItem) error {
	if item.ID == "" {
		item.ID = domain.NewID()
	}
	item.Namespace = namespace
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	if item.Embedding == nil && s.embedder != nil && item.Content != "" {
		vecs, err := s.embedder.Embed(ctx, []string{item.Content})
		if err != nil {
			s.logger.Warn("vector store: embedding failed, storing without vector", "id", item.ID, "error", err)
		} else if len(vecs) == 1 {
			item.Embedding = vecs[0]
		}
	}

	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", domain.ErrVectorStore, err)
	}
	var blob []byte
	if item.Embedding != nil {
		blob = float32ToBytes(item.Embedding)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, namespace, content, metadata, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, namespace, item.Content, string(meta), blob, item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.NewSubSystemError("memory", "Store.Put", domain.ErrDuplicate, item.ID)
		}
		return fmt.Errorf("%w: insert: %v", domain.ErrVectorStore, err)
	}
	seq, _ := res.LastInsertId()
	s.idx.put(namespace, item, seq)
	return nil
}

// Query implements domain.LongTermMemory. An empty key ranks by recency.
// With an embedder, items are ranked by cosine similarity to the key (fused
// with keyword rank when Options.Hybrid is set). Without one, FTS5 keyword
// matches come first and recency fills the rest. topK <= 0 returns every item.
func (s *Store) Query(ctx context.Context, namespace, key string, topK int) ([]domain.MemoryItem, error) {
	if strings.TrimSpace(key) == "" {
		return s.recent(ctx, namespace, topK, nil)
	}
	if s.embedder != nil {
		items, err := s.similar(ctx, namespace, key, topK)
		if err == nil {
			return items, nil
		}
		s.logger.Warn("vector store: similarity search failed, using keywords", "error", err)
	}

	hits, err := s.keywordSearch(ctx, namespace, key, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search: %v", domain.ErrVectorStore, err)
	}
	if topK > 0 && len(hits) >= topK {
		return hits[:topK], nil
	}
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.ID] = true
	}
	rest, err := s.recent(ctx, namespace, 0, seen)
	if err != nil {
		return nil, err
	}
	hits = append(hits, rest...)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of items in namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE namespace = ?", namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrVectorStore, err)
	}
	return n, nil
}

// recent returns items newest first, skipping ids in skip.
func (s *Store) recent(ctx context.Context, namespace string, topK int, skip map[string]bool) ([]domain.MemoryItem, error) {
	limit := -1
	if topK > 0 && skip == nil {
		limit = topK
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, namespace, content, metadata, embedding, created_at FROM items
		 WHERE namespace = ? ORDER BY seq DESC LIMIT ?`, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", domain.ErrVectorStore, err)
	}
	defer rows.Close()

	var out []domain.MemoryItem
	for rows.Next() {
		it, _, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrVectorStore, err)
		}
		if skip[it.ID] {
			continue
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(row interface{ Scan(dest ...any) error }) (domain.MemoryItem, int64, error) {
	var (
		it        domain.MemoryItem
		seq       int64
		metaJSON  string
		blob      []byte
		createdAt string
	)
	if err := row.Scan(&seq, &it.ID, &it.Namespace, &it.Content, &metaJSON, &blob, &createdAt); err != nil {
		return it, 0, err
	}
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
			slog.Warn("vector store: corrupt metadata JSON", "id", it.ID, "error", err)
		}
	}
	it.Embedding = bytesToFloat32(blob)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		it.CreatedAt = t
	}
	return it, seq, nil
}

var _ domain.LongTermMemory = (*Store)(nil)
