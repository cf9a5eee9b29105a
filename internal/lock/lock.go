// Package lock serializes work on a key across goroutines or processes.
// Consensus recomputation takes one lock per (entity, field).
package lock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Release frees a held lock.
type Release func(ctx context.Context) error

// Locker acquires exclusive locks by key. Acquire blocks until the lock is
// held or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// FieldKey names the lock guarding one canonical field.
func FieldKey(entityID, field string) string {
	return "consensus:" + entityID + ":" + field
}

// ErrNotHeld is returned when releasing a lock this holder no longer owns.
var ErrNotHeld = eris.New("lock: not held")

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process Locker. Entries are dropped once no
// goroutine holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal creates a LocalLocker.
func NewLocal() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, eris.Wrapf(ctx.Err(), "lock: acquire %s", key)
	}

	var once sync.Once
	return func(context.Context) error {
		released := false
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
			released = true
		})
		if !released {
			return ErrNotHeld
		}
		return nil
	}, nil
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
