// Package syncutil provides in-process locking keyed by deal or transaction id.
package syncutil

import (
	"context"
	"sync"
)

// KeyLock hands out one lock per key. Entries are reference counted and
// removed once the last holder or waiter is gone, so memory stays bounded by
// the number of keys in use rather than the number ever seen.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{} // holds one token while unlocked
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

func (k *KeyLock) acquireEntry(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*keyEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) releaseEntry(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free or ctx is done. On success the returned
// function releases the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquireEntry(key)
	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				k.releaseEntry(key, e)
			})
		}, nil
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
