// Package cache provides a keyed TTL cache with per-key stampede protection.
//
// A Store never returns an entry whose age has reached its TTL. GetOrPopulate
// performs a cache-aside read that issues at most one populate call per key at
// a time: concurrent callers missing on the same key wait for the in-flight
// call and share its result or error. Errors are never cached.
//
// Backend failures are treated as misses. They are logged and counted, but
// never returned from read paths.
package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

// Recorder receives cache metrics. metrics.Metrics implements it.
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordCacheError(cacheType string)
	SetCacheSize(cacheType string, size float64)
}

// Populated is the result of a PopulateFunc.
type Populated[V any] struct {
	Value V

	// TTL overrides the store default when positive. A negative TTL returns
	// the value without caching it.
	TTL time.Duration

	// Tags index the entry for InvalidateTag.
	Tags []string
}

// PopulateFunc fetches the authoritative value for a missing key.
type PopulateFunc[V any] func(ctx context.Context) (Populated[V], error)

// Store is a keyed TTL cache over a Backend.
type Store[V any] struct {
	name    string
	backend Backend[V]
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics Recorder

	group singleflight.Group

	// mu orders invalidations against population writes. Population writes
	// hold it shared; invalidations hold it exclusively while marking the
	// flights they supersede.
	mu      sync.RWMutex
	seq     uint64
	flights map[string]*flight
}

// flight is the in-flight population of one key. Its fields are guarded by
// Store.mu.
type flight struct {
	id uint64

	// superseded is set when the key itself is invalidated.
	superseded bool

	// dropped holds tags invalidated while the flight ran.
	dropped map[string]struct{}
}

// stale reports whether a value carrying tags must not be written back.
func (f *flight) stale(tags []string) bool {
	if f.superseded {
		return true
	}
	for _, t := range tags {
		if _, ok := f.dropped[t]; ok {
			return true
		}
	}
	return false
}

type options struct {
	name    string
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics Recorder
}

// Option configures a Store.
type Option func(*options)

// WithTTL sets the default entry TTL. Default: 5 minutes.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithName sets the cache_type label used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithClock sets the time source. Tests use clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets a structured logger for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.metrics = r }
}

// DefaultTTL is the entry TTL used when WithTTL is not given.
const DefaultTTL = 5 * time.Minute

// New creates a Store over backend.
func New[V any](backend Backend[V], opts ...Option) *Store[V] {
	o := options{
		name:    "default",
		ttl:     DefaultTTL,
		clock:   clock.New(),
		logger:  slog.Default(),
		metrics: nopRecorder{},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store[V]{
		name:    o.name,
		backend: backend,
		ttl:     o.ttl,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
		flights: make(map[string]*flight),
	}
}

// TTL returns the default entry TTL.
func (s *Store[V]) TTL() time.Duration { return s.ttl }

// Now returns the store's current time.
func (s *Store[V]) Now() time.Time { return s.clock.Now() }

// Get returns the cached value for key if present and unexpired.
func (s *Store[V]) Get(ctx context.Context, key string) (V, bool) {
	e, ok := s.lookup(ctx, key)
	if !ok {
		s.metrics.RecordCacheMiss(s.name)
		var zero V
		return zero, false
	}
	s.metrics.RecordCacheHit(s.name)
	return e.Value, true
}

// Set inserts or replaces key with the default TTL.
func (s *Store[V]) Set(ctx context.Context, key string, v V, tags ...string) {
	s.SetWithTTL(ctx, key, v, s.ttl, tags...)
}

// SetWithTTL inserts or replaces key, resetting its creation time.
// A non-positive ttl stores nothing.
func (s *Store[V]) SetWithTTL(ctx context.Context, key string, v V, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		return
	}
	s.write(ctx, key, Entry[V]{Value: v, CreatedAt: s.clock.Now(), TTL: ttl, Tags: tags})
}

// Invalidate removes keys immediately regardless of TTL. When it returns,
// no later lookup observes the removed entries, and populations that started
// before the call will not write them back.
func (s *Store[V]) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if f, ok := s.flights[k]; ok {
			f.superseded = true
			delete(s.flights, k)
		}
	}
	if err := s.backend.Delete(ctx, keys...); err != nil {
		s.backendError("delete", err)
		return err
	}
	s.reportSize()
	return nil
}

// InvalidateTag removes every entry carrying tag, with the same ordering
// guarantees as Invalidate. A population in flight keeps serving its callers
// but is not written back if its result carries tag.
func (s *Store[V]) InvalidateTag(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flights {
		if f.dropped == nil {
			f.dropped = make(map[string]struct{})
		}
		f.dropped[tag] = struct{}{}
	}
	if err := s.backend.DeleteTag(ctx, tag); err != nil {
		s.backendError("delete_tag", err)
		return err
	}
	s.reportSize()
	return nil
}

// GetOrPopulate returns the cached value for key, or calls populate once on
// behalf of every concurrent caller missing on key.
//
// populate runs on a context that keeps ctx's values but not its cancellation,
// so one caller giving up does not fail the others. A cancelled caller returns
// ctx.Err() while the shared call carries on.
func (s *Store[V]) GetOrPopulate(ctx context.Context, key string, populate PopulateFunc[V]) (V, error) {
	var zero V
	if v, ok := s.Get(ctx, key); ok {
		return v, nil
	}

	f := s.join(key)
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(flightKey(key, f.id), func() (interface{}, error) {
		defer s.leave(key, f)
		// Another flight may have filled the key between our miss and now.
		if e, ok := s.lookup(detached, key); ok {
			return e.Value, nil
		}
		p, err := populate(detached)
		if err != nil {
			return nil, err
		}
		s.populate(detached, key, p, f)
		return p.Value, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, _ := r.Val.(V)
		return v, nil
	}
}

// Len returns the number of physically stored entries, or -1 when the
// backend cannot report it.
func (s *Store[V]) Len() int {
	if sz, ok := s.backend.(Sizer); ok {
		return sz.Len()
	}
	return -1
}

func (s *Store[V]) lookup(ctx context.Context, key string) (Entry[V], bool) {
	e, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.backendError("get", err)
		return Entry[V]{}, false
	}
	if !ok || e.Expired(s.clock.Now()) {
		return Entry[V]{}, false
	}
	return e, true
}

// join returns the current flight for key, starting one if none is running.
// Callers sharing a flight share one populate call.
func (s *Store[V]) join(key string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flights[key]
	if !ok {
		s.seq++
		f = &flight{id: s.seq}
		s.flights[key] = f
	}
	return f
}

func (s *Store[V]) leave(key string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flights[key] == f {
		delete(s.flights, key)
	}
}

// populate writes a freshly fetched value unless the key, or one of the
// value's tags, was invalidated since the flight started.
func (s *Store[V]) populate(ctx context.Context, key string, p Populated[V], f *flight) {
	ttl := s.ttl
	if p.TTL > 0 {
		ttl = p.TTL
	}
	if p.TTL < 0 || ttl <= 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.stale(p.Tags) {
		s.logger.Debug("cache population superseded by invalidation", "cache", s.name)
		return
	}
	e := Entry[V]{Value: p.Value, CreatedAt: s.clock.Now(), TTL: ttl, Tags: p.Tags}
	if err := s.backend.Set(ctx, key, e); err != nil {
		s.backendError("set", err)
		return
	}
	s.reportSize()
}

func (s *Store[V]) write(ctx context.Context, key string, e Entry[V]) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.backend.Set(ctx, key, e); err != nil {
		s.backendError("set", err)
		return
	}
	s.reportSize()
}

func (s *Store[V]) backendError(op string, err error) {
	s.metrics.RecordCacheError(s.name)
	s.logger.Warn("cache backend error", "cache", s.name, "op", op, "error", err)
}

func (s *Store[V]) reportSize() {
	if n := s.Len(); n >= 0 {
		s.metrics.SetCacheSize(s.name, float64(n))
	}
}

func flightKey(key string, id uint64) string {
	return strconv.FormatUint(id, 10) + "|" + key
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string)        {}
func (nopRecorder) RecordCacheMiss(string)       {}
func (nopRecorder) RecordCacheError(string)      {}
func (nopRecorder) SetCacheSize(string, float64) {}
