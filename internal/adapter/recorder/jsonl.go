package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aymankanso/agent/internal/domain"
)

const (
	filePrefix = "session_"
	fileSuffix = ".jsonl"
)

// JSONL writes each session to <dir>/YYYY/MM/DD/session_<id>.jsonl, one
// record per line. The date is that of the session's first record.
type JSONL struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File // open append handles
	paths map[string]string   // session id -> file path
}

// NewJSONL creates the root directory if needed.
func NewJSONL(dir string, logger *slog.Logger) (*JSONL, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create dir: %v", domain.ErrRecorder, err)
	}
	return &JSONL{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*os.File),
		paths:  make(map[string]string),
	}, nil
}

// Append writes rec as one line of the session's file.
func (j *JSONL) Append(_ context.Context, sessionID string, rec domain.Record) error {
	if err := checkSessionID("JSONL.Append", sessionID); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return domain.NewDomainError("JSONL.Append", domain.ErrRecorder, err.Error())
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.openLocked(sessionID, rec.Timestamp)
	if err != nil {
		return domain.NewDomainError("JSONL.Append", domain.ErrRecorder, err.Error())
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("JSONL.Append", domain.ErrRecorder, err.Error())
	}
	return nil
}

func (j *JSONL) openLocked(sessionID string, ts time.Time) (*os.File, error) {
	if f, ok := j.files[sessionID]; ok {
		return f, nil
	}
	path, ok := j.paths[sessionID]
	if !ok {
		if found, err := j.find(sessionID); err == nil {
			path = found
		} else {
			ts = ts.UTC()
			path = filepath.Join(j.dir, ts.Format("2006"), ts.Format("01"), ts.Format("02"), filePrefix+sessionID+fileSuffix)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	j.files[sessionID] = f
	j.paths[sessionID] = path
	return f, nil
}

// find locates an existing session file written by an earlier process.
func (j *JSONL) find(sessionID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, "*", "*", "*", filePrefix+sessionID+fileSuffix))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", domain.ErrNotFound
	}
	return matches[0], nil
}

func (j *JSONL) pathOf(sessionID string) (string, error) {
	j.mu.Lock()
	path, ok := j.paths[sessionID]
	j.mu.Unlock()
	if ok {
		return path, nil
	}
	return j.find(sessionID)
}

// Records returns the session's records in append order. Lines that do not
// decode (such as a line cut short by a crash) are skipped.
func (j *JSONL) Records(_ context.Context, sessionID string) ([]domain.Record, error) {
	if err := checkSessionID("JSONL.Records", sessionID); err != nil {
		return nil, err
	}
	path, err := j.pathOf(sessionID)
	if err != nil {
		return nil, domain.NewSubSystemError("recorder", "JSONL.Records", domain.ErrNotFound, sessionID)
	}
	return j.read(path)
}

func (j *JSONL) read(path string) ([]domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewDomainError("JSONL.read", domain.ErrRecorder, err.Error())
	}
	defer f.Close()

	var recs []domain.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			j.logger.Warn("recorder: skipping corrupt line", "path", path, "line", line, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.NewDomainError("JSONL.read", domain.ErrRecorder, err.Error())
	}
	return recs, nil
}

// List summarizes every recorded session, most recently started first.
func (j *JSONL) List(ctx context.Context) ([]domain.SessionSummary, error) {
	files, err := j.walk()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionSummary, 0, len(files))
	for id, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := j.read(path)
		if err != nil {
			j.logger.Warn("recorder: unreadable session", "path", path, "error", err)
			continue
		}
		out = append(out, summarize(id, recs))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].StartedAt.After(out[b].StartedAt)
		}
		return out[a].SessionID < out[b].SessionID
	})
	return out, nil
}

func (j *JSONL) walk() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(j.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			return nil
		}
		files[strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)] = path
		return nil
	})
	if err != nil {
		return nil, domain.NewDomainError("JSONL.List", domain.ErrRecorder, err.Error())
	}
	return files, nil
}

// Prune deletes sessions whose last record is older than before, then
// removes day directories left empty.
func (j *JSONL) Prune(ctx context.Context, before time.Time) (int, error) {
	sessions, err := j.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range sessions {
		if s.Records == 0 || !s.LastEventAt.Before(before) {
			continue
		}
		path, err := j.pathOf(s.SessionID)
		if err != nil {
			continue
		}

		j.mu.Lock()
		if f, ok := j.files[s.SessionID]; ok {
			f.Close()
			delete(j.files, s.SessionID)
		}
		delete(j.paths, s.SessionID)
		j.mu.Unlock()

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, domain.NewDomainError("JSONL.Prune", domain.ErrRecorder, err.Error())
		}
		removed++
		j.removeEmptyParents(filepath.Dir(path))
	}
	return removed, nil
}

func (j *JSONL) removeEmptyParents(dir string) {
	root := filepath.Clean(j.dir)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return // not empty
		}
		dir = filepath.Dir(dir)
	}
}

// Close closes every open file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	for id, f := range j.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(j.files, id)
	}
	return errors.Join(errs...)
}

var _ domain.Recorder = (*JSONL)(nil)
