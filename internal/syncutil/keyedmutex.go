// Package syncutil provides per-key mutual exclusion.
package syncutil

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when the key is held.
var ErrLocked = errors.New("syncutil: key is locked")

// Locker serializes work per key. The returned unlock function must be
// called exactly once; extra calls are ignored.
type Locker interface {
	LockContext(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is a context-aware mutex per key. Unlike a sharded pool, two
// distinct keys never contend. Entries are reference counted and dropped
// once no goroutine holds or waits on them, so memory tracks live keys only.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

// keyedEntry is a channel mutex: a send acquires, a receive releases.
type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// LockContext acquires the mutex for key, giving up when ctx is done.
// On success it returns the unlock function.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)
	select {
	case e.ch <- struct{}{}:
		return m.unlocker(key, e), nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), error) {
	e := m.ref(key)
	select {
	case e.ch <- struct{}{}:
		return m.unlocker(key, e), nil
	default:
		m.unref(key, e)
		return nil, ErrLocked
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) unlocker(key string, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}
}

func (m *KeyedMutex) ref(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedEntry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

var _ Locker = (*KeyedMutex)(nil)
