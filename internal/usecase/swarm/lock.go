package swarm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SessionLocker serializes Step per session. Waiters give up when their
// context ends. Entries live only while someone holds or awaits them.
type SessionLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem   *semaphore.Weighted
	users int // holders plus waiters; guarded by SessionLocker.mu
}

func NewSessionLocker() *SessionLocker {
	return &SessionLocker{entries: make(map[string]*lockEntry)}
}

// Lock blocks until sessionID is free or ctx ends. Calling unlock more than
// once is harmless.
func (l *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	e := l.acquireEntry(sessionID)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.dropEntry(sessionID, e)
		return nil, fmt.Errorf("session %s lock: %w", sessionID, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.dropEntry(sessionID, e)
		})
	}, nil
}

func (l *SessionLocker) acquireEntry(sessionID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sessionID]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[sessionID] = e
	}
	e.users++
	return e
}

func (l *SessionLocker) dropEntry(sessionID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.users--; e.users == 0 {
		delete(l.entries, sessionID)
	}
}

// ActiveCount reports sessions currently held or awaited.
func (l *SessionLocker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
