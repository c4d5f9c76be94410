package cache

import (
	"context"
	"time"
)

// Entry is a cached value with its creation time and time-to-live.
type Entry[V any] struct {
	Value     V             `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	Tags      []string      `json:"tags,omitempty"`
}

// Expired reports whether the entry's age has reached its TTL at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Remaining returns the time left before expiry.
func (e Entry[V]) Remaining(now time.Time) time.Duration {
	return e.CreatedAt.Add(e.TTL).Sub(now)
}

// Backend is the physical storage behind a Store. Backends may keep expired
// entries around; the Store never returns them.
//
// Implementations: MemoryBackend (bounded LRU), RedisBackend.
type Backend[V any] interface {
	// Get returns the stored entry for key.
	Get(ctx context.Context, key string) (Entry[V], bool, error)

	// Set inserts or replaces key and indexes it under each of e.Tags.
	Set(ctx context.Context, key string, e Entry[V]) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeleteTag removes every entry indexed under tag.
	DeleteTag(ctx context.Context, tag string) error
}

// Sizer is implemented by backends that can report their entry count.
type Sizer interface {
	Len() int
}
