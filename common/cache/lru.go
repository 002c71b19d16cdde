// Package cache provides the small in-process caches used across services:
// a bounded LRU for recently-seen ids and a TTL cache for upstream data.
package cache

import "container/list"

// LRU is a non-concurrent-safe bounded LRU. Callers guard access themselves;
// the router serializes per chat and the aggregator wraps it in a TTL layer.
type LRU struct {
	Cap   uint64
	l     *list.List
	items map[any]*list.Element
}

type item struct {
	key   any
	value any
}

// NewLRU returns a new LRU with the input capacity.
func NewLRU(capacity uint64) *LRU {
	if capacity == 0 {
		capacity = 1
	}
	return &LRU{
		Cap:   capacity,
		l:     list.New(),
		items: make(map[any]*list.Element),
	}
}

// Add adds a value to the cache, evicting the oldest entry beyond capacity.
func (l *LRU) Add(key, value any) {
	if f, o := l.items[key]; o {
		l.l.MoveToFront(f)
		if v, ok := f.Value.(*item); ok {
			v.value = value
		}
		return
	}

	l.items[key] = l.l.PushFront(&item{key, value})
	if l.Len() > l.Cap {
		l.removeOldestEntry()
	}
}

// Get returns the keyed value and promotes it to most recent.
func (l *LRU) Get(key any) any {
	if i, f := l.items[key]; f {
		l.l.MoveToFront(i)
		if v, ok := i.Value.(*item); ok {
			return v.value
		}
	}
	return nil
}

// Contains checks presence without updating recency.
func (l *LRU) Contains(key any) (f bool) {
	_, f = l.items[key]
	return
}

// Remove removes key from the cache and reports whether it was present.
func (l *LRU) Remove(key any) bool {
	if i, f := l.items[key]; f {
		l.removeElement(i)
		return true
	}
	return false
}

// Oldest returns the least recently used key without promoting it.
func (l *LRU) Oldest() (key any, ok bool) {
	if x := l.l.Back(); x != nil {
		if v, isItem := x.Value.(*item); isItem {
			return v.key, true
		}
	}
	return nil, false
}

// Clear removes every entry.
func (l *LRU) Clear() {
	for k := range l.items {
		delete(l.items, k)
	}
	l.l.Init()
}

// Len returns the number of live entries.
func (l *LRU) Len() uint64 {
	return uint64(l.l.Len())
}

func (l *LRU) removeOldestEntry() {
	if i := l.l.Back(); i != nil {
		l.removeElement(i)
	}
}

func (l *LRU) removeElement(e *list.Element) {
	l.l.Remove(e)
	if v, ok := e.Value.(*item); ok {
		delete(l.items, v.key)
	}
}
