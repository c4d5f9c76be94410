package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerakang/iam-cache/cache"
)

func newStore(t *testing.T, ttl time.Duration) (*cache.Store[string], *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := cache.New[string](cache.NewMemoryBackend[string](100), cache.WithTTL(ttl), cache.WithClock(clk))
	return s, clk
}

func TestSetGet_ExpiresAfterTTL(t *testing.T) {
	s, clk := newStore(t, 30*time.Second)
	ctx := context.Background()

	s.Set(ctx, "k", "v")
	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Add(30*time.Second - time.Nanosecond)
	_, ok = s.Get(ctx, "k")
	assert.True(t, ok, "entry should be present just before TTL")

	clk.Add(time.Nanosecond)
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok, "entry should be absent once TTL elapsed")
}

func TestSet_ResetsTimestamp(t *testing.T) {
	s, clk := newStore(t, 10*time.Second)
	ctx := context.Background()

	s.Set(ctx, "k", "v1")
	clk.Add(8 * time.Second)
	s.Set(ctx, "k", "v2")
	clk.Add(8 * time.Second)

	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestInvalidate_RemovesImmediately(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	s.Set(ctx, "a", "1")
	s.Set(ctx, "b", "2")
	require.NoError(t, s.Invalidate(ctx, "a"))

	_, ok := s.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "b")
	assert.True(t, ok)
}

func TestInvalidateTag_RemovesTaggedEntries(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	s.Set(ctx, "login:alice", "u", "user:alice")
	s.Set(ctx, "token:t1", "tv", "user:alice")
	s.Set(ctx, "token:t2", "tv", "user:bob")

	require.NoError(t, s.InvalidateTag(ctx, "user:alice"))

	_, ok := s.Get(ctx, "login:alice")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "token:t1")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "token:t2")
	assert.True(t, ok)
}

func TestGetOrPopulate_HitSkipsPopulate(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()
	s.Set(ctx, "k", "cached")

	v, err := s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
		t.Fatal("populate should not be called on hit")
		return cache.Populated[string]{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

func TestGetOrPopulate_SingleFlight(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	populate := func(context.Context) (cache.Populated[string], error) {
		calls.Add(1)
		<-release
		return cache.Populated[string]{Value: "fresh"}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetOrPopulate(ctx, "k", populate)
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let every caller join the flight
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "populate should run exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", results[i])
	}

	v, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestGetOrPopulate_ErrorSharedAndNotCached(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()
	errUpstream := errors.New("upstream down")

	var calls atomic.Int32
	release := make(chan struct{})
	failing := func(context.Context) (cache.Populated[string], error) {
		calls.Add(1)
		<-release
		return cache.Populated[string]{}, errUpstream
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.GetOrPopulate(ctx, "k", failing)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, errUpstream)
	}

	// The failure is not cached: the next lookup populates again.
	v, err := s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
		calls.Add(1)
		return cache.Populated[string]{Value: "recovered"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrPopulate_InvalidationDuringFlightIsNotResurrected(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string)
	go func() {
		v, _ := s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
			close(started)
			<-release
			return cache.Populated[string]{Value: "stale"}, nil
		})
		done <- v
	}()

	<-started
	require.NoError(t, s.Invalidate(ctx, "k"))

	// A lookup issued after the invalidation starts its own flight.
	var fresh atomic.Int32
	v, err := s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
		fresh.Add(1)
		return cache.Populated[string]{Value: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(1), fresh.Load())

	close(release)
	assert.Equal(t, "stale", <-done, "in-flight caller still receives its own result")

	got, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "fresh", got, "pre-invalidation population must not overwrite the cache")
}

func TestGetOrPopulate_UnrelatedInvalidationKeepsFlight(t *testing.T) {
	for _, tc := range []struct {
		name       string
		invalidate func(context.Context, *cache.Store[string]) error
	}{
		{"key", func(ctx context.Context, s *cache.Store[string]) error { return s.Invalidate(ctx, "b") }},
		{"tag", func(ctx context.Context, s *cache.Store[string]) error { return s.InvalidateTag(ctx, "user:bob") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t, time.Hour)
			ctx := context.Background()

			var calls atomic.Int32
			started := make(chan struct{}, 1)
			release := make(chan struct{})
			populate := func(context.Context) (cache.Populated[string], error) {
				calls.Add(1)
				started <- struct{}{}
				<-release
				return cache.Populated[string]{Value: "a", Tags: []string{"user:alice"}}, nil
			}

			var wg sync.WaitGroup
			get := func() {
				defer wg.Done()
				v, err := s.GetOrPopulate(ctx, "a", populate)
				assert.NoError(t, err)
				assert.Equal(t, "a", v)
			}
			wg.Add(1)
			go get()
			<-started

			require.NoError(t, tc.invalidate(ctx, s))

			wg.Add(1)
			go get()
			time.Sleep(50 * time.Millisecond) // let the second caller join
			close(release)
			wg.Wait()

			assert.Equal(t, int32(1), calls.Load(), "populate for a should run once")
			v, ok := s.Get(ctx, "a")
			require.True(t, ok, "flight on a should still be cached")
			assert.Equal(t, "a", v)
		})
	}
}

func TestGetOrPopulate_TagInvalidationDuringFlightIsNotResurrected(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
			close(started)
			<-release
			return cache.Populated[string]{Value: "stale", Tags: []string{"user:alice"}}, nil
		})
	}()

	<-started
	require.NoError(t, s.InvalidateTag(ctx, "user:alice"))
	close(release)
	<-done

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestGetOrPopulate_CancelledCallerDoesNotCancelFlight(t *testing.T) {
	s, _ := newStore(t, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	var populateCtxErr atomic.Value
	populate := func(ctx context.Context) (cache.Populated[string], error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			populateCtxErr.Store(err)
		}
		return cache.Populated[string]{Value: "shared"}, nil
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error)
	go func() {
		_, err := s.GetOrPopulate(cancelCtx, "k", populate)
		cancelledErr <- err
	}()
	<-started

	survivor := make(chan string)
	go func() {
		v, _ := s.GetOrPopulate(context.Background(), "k", populate)
		survivor <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelledErr, context.Canceled)

	close(release)
	assert.Equal(t, "shared", <-survivor)
	assert.Nil(t, populateCtxErr.Load(), "populate context must not inherit caller cancellation")
}

func TestGetOrPopulate_TTLOverride(t *testing.T) {
	s, clk := newStore(t, 300*time.Second)
	ctx := context.Background()

	_, err := s.GetOrPopulate(ctx, "token", func(context.Context) (cache.Populated[string], error) {
		return cache.Populated[string]{Value: "tv", TTL: 10 * time.Second}, nil
	})
	require.NoError(t, err)

	clk.Add(9 * time.Second)
	_, ok := s.Get(ctx, "token")
	assert.True(t, ok)

	clk.Add(time.Second)
	_, ok = s.Get(ctx, "token")
	assert.False(t, ok, "entry must expire at its own TTL, not the store default")
}

func TestGetOrPopulate_NegativeTTLNotCached(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	ctx := context.Background()

	v, err := s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
		return cache.Populated[string]{Value: "once", TTL: -1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "once", v)

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
}

// brokenBackend fails every operation.
type brokenBackend struct{}

var errBroken = errors.New("backend unreachable")

func (brokenBackend) Get(context.Context, string) (cache.Entry[string], bool, error) {
	return cache.Entry[string]{}, false, errBroken
}
func (brokenBackend) Set(context.Context, string, cache.Entry[string]) error { return errBroken }
func (brokenBackend) Delete(context.Context, ...string) error               { return errBroken }
func (brokenBackend) DeleteTag(context.Context, string) error               { return errBroken }

type countingRecorder struct {
	hits, misses, errs atomic.Int32
}

func (r *countingRecorder) RecordCacheHit(string)        { r.hits.Add(1) }
func (r *countingRecorder) RecordCacheMiss(string)       { r.misses.Add(1) }
func (r *countingRecorder) RecordCacheError(string)      { r.errs.Add(1) }
func (r *countingRecorder) SetCacheSize(string, float64) {}

func TestBackendErrors_DegradeToMiss(t *testing.T) {
	rec := &countingRecorder{}
	s := cache.New[string](brokenBackend{}, cache.WithRecorder(rec), cache.WithName("test"))
	ctx := context.Background()

	s.Set(ctx, "k", "v")
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)

	var calls int
	v, err := s.GetOrPopulate(ctx, "k", func(context.Context) (cache.Populated[string], error) {
		calls++
		return cache.Populated[string]{Value: "direct"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", v)
	assert.Equal(t, 1, calls)

	assert.Error(t, s.Invalidate(ctx, "k"), "invalidation failures are reported")
	assert.Positive(t, rec.errs.Load())
	assert.Positive(t, rec.misses.Load())
}
