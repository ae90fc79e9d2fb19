package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aymankanso/agent/internal/domain"
)

// SQLite stores records in a single table keyed by (session_id, sequence).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrRecorder, err)
	}
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %v", domain.ErrRecorder, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrRecorder, err)
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			session_id TEXT    NOT NULL,
			sequence   INTEGER NOT NULL,
			ts         INTEGER NOT NULL, -- unix nanoseconds
			kind       TEXT    NOT NULL,
			payload    TEXT    NOT NULL,
			PRIMARY KEY (session_id, sequence)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Append(ctx context.Context, sessionID string, rec domain.Record) error {
	if err := checkSessionID("SQLite.Append", sessionID); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO records (session_id, sequence, ts, kind, payload) VALUES (?, ?, ?, ?, ?)",
		sessionID, int64(rec.Sequence), rec.Timestamp.UnixNano(), string(rec.Kind), string(rec.Payload),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.NewSubSystemError("recorder", "SQLite.Append", domain.ErrDuplicate,
				fmt.Sprintf("%s#%d", sessionID, rec.Sequence))
		}
		return domain.NewDomainError("SQLite.Append", domain.ErrRecorder, err.Error())
	}
	return nil
}

func (s *SQLite) Records(ctx context.Context, sessionID string) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sequence, ts, kind, payload FROM records WHERE session_id = ? ORDER BY sequence", sessionID)
	if err != nil {
		return nil, domain.NewDomainError("SQLite.Records", domain.ErrRecorder, err.Error())
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		var (
			rec     domain.Record
			seq, ts int64
			kind    string
			payload string
		)
		if err := rows.Scan(&seq, &ts, &kind, &payload); err != nil {
			return nil, domain.NewDomainError("SQLite.Records", domain.ErrRecorder, err.Error())
		}
		rec.Sequence = uint64(seq)
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Kind = domain.EventKind(kind)
		rec.Payload = []byte(payload)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("SQLite.Records", domain.ErrRecorder, err.Error())
	}
	if len(recs) == 0 {
		return nil, domain.NewSubSystemError("recorder", "SQLite.Records", domain.ErrNotFound, sessionID)
	}
	return recs, nil
}

// List summarizes every session, most recently started first.
func (s *SQLite) List(ctx context.Context) ([]domain.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.session_id, MIN(r.ts), MAX(r.ts), COUNT(*),
			EXISTS (SELECT 1 FROM records c WHERE c.session_id = r.session_id AND c.kind = ?),
			COALESCE((SELECT u.payload FROM records u
				WHERE u.session_id = r.session_id AND u.kind = ?
				ORDER BY u.sequence LIMIT 1), '')
		FROM records r
		GROUP BY r.session_id
		ORDER BY MIN(r.ts) DESC, r.session_id`,
		string(domain.EventSessionComplete), string(domain.EventUserInput))
	if err != nil {
		return nil, domain.NewDomainError("SQLite.List", domain.ErrRecorder, err.Error())
	}
	defer rows.Close()

	var out []domain.SessionSummary
	for rows.Next() {
		var (
			sum          domain.SessionSummary
			first, last  int64
			complete     bool
			firstPayload string
		)
		if err := rows.Scan(&sum.SessionID, &first, &last, &sum.Records, &complete, &firstPayload); err != nil {
			return nil, domain.NewDomainError("SQLite.List", domain.ErrRecorder, err.Error())
		}
		sum.StartedAt = time.Unix(0, first).UTC()
		sum.LastEventAt = time.Unix(0, last).UTC()
		sum.Complete = complete
		if firstPayload != "" {
			sum.Preview = summarize(sum.SessionID, []domain.Record{{Kind: domain.EventUserInput, Payload: []byte(firstPayload)}}).Preview
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes sessions whose last record is older than before.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.NewDomainError("SQLite.Prune", domain.ErrRecorder, err.Error())
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT session_id FROM records GROUP BY session_id HAVING MAX(ts) < ?)",
		before.UnixNano()).Scan(&n)
	if err != nil {
		return 0, domain.NewDomainError("SQLite.Prune", domain.ErrRecorder, err.Error())
	}
	if n == 0 {
		return 0, nil
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM records WHERE session_id IN (
			SELECT session_id FROM records GROUP BY session_id HAVING MAX(ts) < ?
		)`, before.UnixNano())
	if err != nil {
		return 0, domain.NewDomainError("SQLite.Prune", domain.ErrRecorder, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.NewDomainError("SQLite.Prune", domain.ErrRecorder, err.Error())
	}
	return n, nil
}

var _ domain.Recorder = (*SQLite)(nil)
