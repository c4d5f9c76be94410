package cache

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryBackend is a bounded in-process LRU with a tag index.
// Expired entries are left in place until evicted, overwritten or deleted;
// the Store filters them on read.
type MemoryBackend[V any] struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[string, Entry[V]]
	tags map[string]map[string]struct{} // tag → keys
}

// compile-time check
var _ Backend[int] = (*MemoryBackend[int])(nil)

// NewMemoryBackend creates a backend holding at most maxEntries entries.
func NewMemoryBackend[V any](maxEntries int) *MemoryBackend[V] {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	b := &MemoryBackend[V]{tags: make(map[string]map[string]struct{})}
	// onEvict runs under b.mu, inside the lru call that triggered it.
	l, _ := simplelru.NewLRU[string, Entry[V]](maxEntries, b.unindex)
	b.lru = l
	return b
}

func (b *MemoryBackend[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.lru.Get(key)
	return e, ok, nil
}

func (b *MemoryBackend[V]) Set(_ context.Context, key string, e Entry[V]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.lru.Peek(key); ok {
		b.unindex(key, old)
	}
	b.lru.Add(key, e)
	for _, t := range e.Tags {
		keys, ok := b.tags[t]
		if !ok {
			keys = make(map[string]struct{})
			b.tags[t] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend[V]) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		b.lru.Remove(k)
	}
	return nil
}

func (b *MemoryBackend[V]) DeleteTag(_ context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.tags[tag] {
		b.lru.Remove(k)
	}
	delete(b.tags, tag)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}

// unindex drops key from its tag sets. Callers hold b.mu.
func (b *MemoryBackend[V]) unindex(key string, e Entry[V]) {
	for _, t := range e.Tags {
		keys := b.tags[t]
		delete(keys, key)
		if len(keys) == 0 {
			delete(b.tags, t)
		}
	}
}
