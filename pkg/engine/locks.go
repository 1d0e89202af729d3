package engine

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ProfileLocks grants at most one execution per profile id at a time. With a
// lock directory the grant also holds across processes sharing it, through
// one flock(2) file per profile.
type ProfileLocks struct {
	dir string

	mu   sync.Mutex
	held map[string]struct{}
}

// NewProfileLocks creates an in-process lock table.
func NewProfileLocks() *ProfileLocks {
	return &ProfileLocks{held: make(map[string]struct{})}
}

// NewFileProfileLocks creates a lock table that also locks
// dir/<profile>.lock, so engines in different processes exclude each other.
func NewFileProfileLocks(dir string) *ProfileLocks {
	l := NewProfileLocks()
	l.dir = dir
	return l
}

// TryLock acquires the lock for id without waiting. The returned function
// releases it and is safe to call more than once.
func (l *ProfileLocks) TryLock(id string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false, nil
	}

	var fl *flock.Flock
	if l.dir != "" {
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("failed to create lock directory: %w", err)
		}
		fl = flock.New(filepath.Join(l.dir, url.PathEscape(id)+".lock"))
		ok, err := fl.TryLock()
		if err != nil {
			return nil, false, fmt.Errorf("failed to lock profile %s: %w", id, err)
		}
		if !ok {
			return nil, false, nil
		}
	}
	l.held[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
			if fl != nil {
				_ = fl.Unlock()
			}
		})
	}, true, nil
}

// IsLocked reports whether an execution of this table holds id.
func (l *ProfileLocks) IsLocked(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[id]
	return busy
}
