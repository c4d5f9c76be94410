package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores JSON-encoded entries in Redis so several processes can
// share one cache. Each key expires in Redis with its entry; tag sets are Redis
// sets of member keys.
type RedisBackend[V any] struct {
	client redis.UniversalClient
	prefix string
	tagTTL time.Duration
}

// compile-time check
var _ Backend[int] = (*RedisBackend[int])(nil)

// deleteTagScript removes every member of a tag set plus the set itself in
// one atomic step, so a concurrent Set cannot slip between read and delete.
var deleteTagScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for i = 1, #members do
	redis.call('DEL', members[i])
end
redis.call('DEL', KEYS[1])
return #members
`)

// NewRedisBackend creates a backend with keys under prefix. tagTTL bounds how
// long a tag set outlives its newest member; it should be at least the
// store's default TTL.
func NewRedisBackend[V any](client redis.UniversalClient, prefix string, tagTTL time.Duration) *RedisBackend[V] {
	if tagTTL <= 0 {
		tagTTL = DefaultTTL
	}
	return &RedisBackend[V]{client: client, prefix: prefix, tagTTL: tagTTL}
}

func (b *RedisBackend[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry[V]{}, false, nil
	}
	if err != nil {
		return Entry[V]{}, false, fmt.Errorf("cache/redis: get: %w", err)
	}
	var e Entry[V]
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry[V]{}, false, fmt.Errorf("cache/redis: decode: %w", err)
	}
	return e, true, nil
}

func (b *RedisBackend[V]) Set(ctx context.Context, key string, e Entry[V]) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache/redis: encode: %w", err)
	}
	tagTTL := b.tagTTL
	if e.TTL > tagTTL {
		tagTTL = e.TTL
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.key(key), raw, e.TTL)
		for _, t := range e.Tags {
			p.SAdd(ctx, b.tagKey(t), b.key(key))
			p.PExpire(ctx, b.tagKey(t), tagTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache/redis: set: %w", err)
	}
	return nil
}

func (b *RedisBackend[V]) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	if err := b.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache/redis: delete: %w", err)
	}
	return nil
}

func (b *RedisBackend[V]) DeleteTag(ctx context.Context, tag string) error {
	if err := deleteTagScript.Run(ctx, b.client, []string{b.tagKey(tag)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache/redis: delete tag: %w", err)
	}
	return nil
}

func (b *RedisBackend[V]) key(k string) string    { return b.prefix + "k:" + k }
func (b *RedisBackend[V]) tagKey(t string) string { return b.prefix + "t:" + t }

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache/redis: ping: %w", err)
	}
	return client, nil
}
