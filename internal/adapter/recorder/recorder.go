// Package recorder persists the event pipeline's records, one append-only
// stream per session.
package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/config"
)

// PreviewLen is the number of characters of the first user input kept in a
// session summary.
const PreviewLen = 100

// New builds the recorder selected by cfg.
func New(cfg config.RecorderConfig, logger *slog.Logger) (domain.Recorder, error) {
	switch cfg.Backend {
	case "", "jsonl":
		return NewJSONL(cfg.Dir, logger)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cfg.Dir, "records.db")
		}
		return NewSQLite(path)
	default:
		return nil, domain.NewDomainError("recorder.New", domain.ErrInvalidInput, fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}

func checkSessionID(op, id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("bad session id %q", id))
	}
	return nil
}

// summarize folds a session's records into a summary.
func summarize(sessionID string, recs []domain.Record) domain.SessionSummary {
	s := domain.SessionSummary{SessionID: sessionID, Records: len(recs)}
	if len(recs) == 0 {
		return s
	}
	s.StartedAt = recs[0].Timestamp
	s.LastEventAt = recs[len(recs)-1].Timestamp
	s.Complete = recs[len(recs)-1].Kind == domain.EventSessionComplete
	for _, r := range recs {
		if r.Kind != domain.EventUserInput {
			continue
		}
		var m domain.Message
		if json.Unmarshal(r.Payload, &m) == nil {
			s.Preview = preview(m.Content)
		}
		break
	}
	return s
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLen {
		return s
	}
	return string([]rune(s)[:PreviewLen])
}
