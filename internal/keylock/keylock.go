// Package keylock serializes work per key. Waiters for the same key are
// admitted in FIFO order.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

func New() *Locker {
	return &Locker{entries: map[string]*entry{}}
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = map[string]*entry{}
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, err
	}
	return l.releaser(key, e), nil
}

// TryLock takes key only if nobody holds or waits for it.
func (l *Locker) TryLock(key string) (func(), bool) {
	e := l.ref(key)
	if !e.sem.TryAcquire(1) {
		l.unref(key, e)
		return nil, false
	}
	return l.releaser(key, e), true
}

// Held reports whether key is currently locked or awaited.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

func (l *Locker) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}
}
