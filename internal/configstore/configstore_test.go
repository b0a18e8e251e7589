package configstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undeadops/terse-edge/internal/configstore"
	"github.com/undeadops/terse-edge/internal/store"
)

type stubFetcher struct {
	mu    sync.Mutex
	cfg   store.RedirectionConfig
	err   error
	calls int
}

func (f *stubFetcher) RedirectionConfig(context.Context) (store.RedirectionConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.cfg, f.err
}

func (f *stubFetcher) set(cfg store.RedirectionConfig, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg, f.err = cfg, err
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStore_ZeroBeforeFirstRefresh(t *testing.T) {
	s := configstore.New(&stubFetcher{}, time.Minute, zerolog.Nop())

	assert.Equal(t, store.RedirectionConfig{}, s.Config())
	assert.True(t, s.LastRefresh().IsZero())
}

func TestStore_FailedRefreshKeepsPrevious(t *testing.T) {
	f := &stubFetcher{cfg: store.RedirectionConfig{FallbackURL: "https://one.example"}}
	s := configstore.New(f, time.Minute, zerolog.Nop())

	require.NoError(t, s.Refresh(context.Background()))
	first := s.LastRefresh()
	assert.Equal(t, "https://one.example", s.Config().Fallback())

	f.set(store.RedirectionConfig{FallbackURL: "https://two.example"}, errors.New("boom"))
	assert.Error(t, s.Refresh(context.Background()))
	assert.Equal(t, "https://one.example", s.Config().Fallback())
	assert.Equal(t, first, s.LastRefresh())

	f.set(store.RedirectionConfig{FallbackURL: "https://two.example"}, nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "https://two.example", s.Config().Fallback())
}

func TestStore_ServeRefreshesPeriodically(t *testing.T) {
	f := &stubFetcher{err: errors.New("down")}
	s := configstore.New(f, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	// failures do not stop the loop
	require.Eventually(t, func() bool { return f.count() >= 3 }, time.Second, 5*time.Millisecond)

	f.set(store.RedirectionConfig{DefaultHost: "home.example"}, nil)
	require.Eventually(t, func() bool { return s.Config().DefaultHost == "home.example" }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStore_ConcurrentReadsDuringRefresh(t *testing.T) {
	f := &stubFetcher{cfg: store.RedirectionConfig{FallbackURL: "https://a.example", TrackingFields: "x"}}
	s := configstore.New(f, time.Minute, zerolog.Nop())
	require.NoError(t, s.Refresh(context.Background()))

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if i%2 == 0 {
					_ = s.Refresh(context.Background())
					continue
				}
				cfg := s.Config()
				assert.Equal(t, "https://a.example", cfg.Fallback())
				assert.Equal(t, []string{"x"}, cfg.Fields())
			}
		}()
	}
	wg.Wait()
}
