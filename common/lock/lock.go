// Package lock provides keyed mutual exclusion. The ledger serializes
// mutations per user and the router serializes updates per chat; both share
// this primitive.
package lock

import "sync"

// Keyed hands out one mutex per key. Mutexes live for the lifetime of the
// set; key cardinality is expected to stay small (users, chats).
type Keyed[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

// NewKeyed returns an empty keyed mutex set.
func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{locks: make(map[K]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *Keyed[K]) Lock(key K) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Len reports how many keys have been locked at least once.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
