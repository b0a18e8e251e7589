package invalidation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undeadops/terse-edge/internal/invalidation"
	"github.com/undeadops/terse-edge/internal/store"
)

type stubFetcher struct {
	mu      sync.Mutex
	records map[string]store.ShortURL
	err     error
	calls   atomic.Int32
	delay   time.Duration
}

func (f *stubFetcher) ShortURL(_ context.Context, key string) (store.ShortURL, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.ShortURL{}, f.err
	}
	u, ok := f.records[key]
	if !ok {
		return store.ShortURL{}, store.ErrNotFound
	}
	return u, nil
}

func newReceiver(t *testing.T, f *stubFetcher) (*invalidation.Receiver, *store.ShardedLRU) {
	t.Helper()
	cache, err := store.NewShardedLRU(64, 4)
	require.NoError(t, err)
	if f == nil {
		f = &stubFetcher{}
	}
	return invalidation.New(cache, f, zerolog.Nop()), cache
}

func TestOnUpsert_Idempotent(t *testing.T) {
	r, cache := newReceiver(t, nil)
	rec := store.ShortURL{Key: "abc", LongURL: "https://example.com/a", SurveyID: "s1"}

	require.NoError(t, r.OnUpsert(rec))
	once := cache.Keys()
	got1, _ := cache.Get("abc")

	require.NoError(t, r.OnUpsert(rec))
	got2, _ := cache.Get("abc")

	assert.Equal(t, once, cache.Keys())
	assert.Equal(t, got1, got2)
	assert.Equal(t, rec, got2)
}

func TestOnUpsert_ReplacesAndDerivesKey(t *testing.T) {
	r, cache := newReceiver(t, nil)

	require.NoError(t, r.OnUpsert(store.ShortURL{ShortURL: "https://s.example/xyz", LongURL: "https://old.example"}))
	require.NoError(t, r.OnUpsert(store.ShortURL{Key: "xyz", LongURL: "https://new.example"}))

	got, ok := cache.Get("xyz")
	require.True(t, ok)
	assert.Equal(t, "https://new.example", got.LongURL)
	assert.Equal(t, 1, cache.Len())
}

func TestOnUpsert_Rejects(t *testing.T) {
	r, cache := newReceiver(t, nil)

	assert.ErrorIs(t, r.OnUpsert(store.ShortURL{LongURL: "https://example.com"}), invalidation.ErrMissingKey)
	assert.ErrorIs(t, r.OnUpsert(store.ShortURL{Key: "k"}), invalidation.ErrInvalidRecord)
	assert.Zero(t, cache.Len())
}

func TestOnUpsert_AcceptsWhatWarmAccepts(t *testing.T) {
	r, cache := newReceiver(t, nil)

	// a scheme-less destination is cached as-is; the resolver decides at read time
	require.NoError(t, r.OnUpsert(store.ShortURL{Key: "k", LongURL: "dest.example/page"}))

	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "dest.example/page", got.LongURL)
}

func TestOnEvict(t *testing.T) {
	r, cache := newReceiver(t, nil)
	require.NoError(t, r.OnUpsert(store.ShortURL{Key: "abc", LongURL: "https://example.com"}))

	require.NoError(t, r.OnEvict("abc"))
	_, ok := cache.Get("abc")
	assert.False(t, ok)

	// absent key is a no-op
	require.NoError(t, r.OnEvict("abc"))
	assert.ErrorIs(t, r.OnEvict("  "), invalidation.ErrMissingKey)
}

func TestOnRefresh(t *testing.T) {
	f := &stubFetcher{records: map[string]store.ShortURL{
		"live": {Key: "live", LongURL: "https://live.example"},
		"bare": {LongURL: "https://bare.example"},
	}}
	r, cache := newReceiver(t, f)
	cache.Put("gone", store.ShortURL{Key: "gone", LongURL: "https://gone.example"})

	outcome, err := r.OnRefresh(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, invalidation.Cached, outcome)

	outcome, err = r.OnRefresh(context.Background(), "bare")
	require.NoError(t, err)
	assert.Equal(t, invalidation.Cached, outcome)
	bare, ok := cache.Get("bare")
	require.True(t, ok)
	assert.Equal(t, "bare", bare.Key)

	outcome, err = r.OnRefresh(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, invalidation.Evicted, outcome)
	_, ok = cache.Get("gone")
	assert.False(t, ok)
}

func TestOnRefresh_CachesUnderRequestedKey(t *testing.T) {
	f := &stubFetcher{records: map[string]store.ShortURL{
		"req": {Key: "other", LongURL: "https://new.example"},
	}}
	r, cache := newReceiver(t, f)
	cache.Put("req", store.ShortURL{Key: "req", LongURL: "https://old.example"})

	outcome, err := r.OnRefresh(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, invalidation.Cached, outcome)

	got, ok := cache.Get("req")
	require.True(t, ok)
	assert.Equal(t, "req", got.Key)
	assert.Equal(t, "https://new.example", got.LongURL)
	_, ok = cache.Get("other")
	assert.False(t, ok)
}

func TestOnRefresh_ErrorLeavesCache(t *testing.T) {
	f := &stubFetcher{err: errors.New("sor down")}
	r, cache := newReceiver(t, f)
	cache.Put("k", store.ShortURL{Key: "k", LongURL: "https://k.example"})

	_, err := r.OnRefresh(context.Background(), "k")
	assert.Error(t, err)
	_, ok := cache.Get("k")
	assert.True(t, ok)
}

func TestOnRefresh_CollapsesConcurrentCalls(t *testing.T) {
	f := &stubFetcher{
		records: map[string]store.ShortURL{"hot": {Key: "hot", LongURL: "https://hot.example"}},
		delay:   50 * time.Millisecond,
	}
	r, _ := newReceiver(t, f)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := r.OnRefresh(context.Background(), "hot")
			assert.NoError(t, err)
			assert.Equal(t, invalidation.Cached, outcome)
		}()
	}
	wg.Wait()

	assert.Less(t, f.calls.Load(), int32(10))
}

func TestOnRefresh_CancelledCallerDoesNotFailOthers(t *testing.T) {
	f := &stubFetcher{
		records: map[string]store.ShortURL{"hot": {Key: "hot", LongURL: "https://hot.example"}},
		delay:   100 * time.Millisecond,
	}
	r, cache := newReceiver(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.OnRefresh(ctx, "hot")
		first <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		outcome, err := r.OnRefresh(context.Background(), "hot")
		assert.Equal(t, invalidation.Cached, outcome)
		second <- err
	}()
	cancel()

	assert.ErrorIs(t, <-first, context.Canceled)
	assert.NoError(t, <-second)
	assert.Equal(t, int32(1), f.calls.Load())
	_, ok := cache.Get("hot")
	assert.True(t, ok)
}
