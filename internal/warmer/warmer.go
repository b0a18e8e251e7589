// Package warmer bulk-loads the edge cache from the system of record.
package warmer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/store"
)

// ErrInProgress is returned when a warm is already running.
var ErrInProgress = errors.New("cache warm already in progress")

// Fetcher returns every active short url.
type Fetcher interface {
	AllShortURLs(ctx context.Context) ([]store.ShortURL, error)
}

// Status describes the last warm run.
type Status struct {
	Done     bool      `json:"done"`
	Running  bool      `json:"running"`
	Loaded   int       `json:"loaded"`
	Skipped  int       `json:"skipped"`
	Removed  int       `json:"removed"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"startedAt,omitzero"`
	Finished time.Time `json:"finishedAt,omitzero"`
}

type Warmer struct {
	fetcher Fetcher
	cache   store.Store
	logger  zerolog.Logger

	done    atomic.Bool
	running atomic.Bool

	mu     sync.Mutex
	status Status
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(fetcher Fetcher, cache store.Store, logger zerolog.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, cache: cache, logger: logger}
}

// Warm loads every active record into the cache with a single bulk fetch.
// Entries already cached are overwritten, nothing is removed. The warmer
// counts as done afterwards even when the fetch failed; the edge then
// serves from whatever the cache holds and misses go to the fallback chain.
func (w *Warmer) Warm(ctx context.Context) error {
	return w.run(ctx, false)
}

// Rewarm reloads the snapshot and also drops keys that were cached before
// the fetch and are missing from the snapshot. Keys cached while the fetch
// ran are kept. A failed fetch leaves the cache untouched.
func (w *Warmer) Rewarm(ctx context.Context) error {
	return w.run(ctx, true)
}

// Done reports whether the initial warm has finished.
func (w *Warmer) Done() bool {
	return w.done.Load()
}

func (w *Warmer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.status
	st.Done = w.done.Load()
	st.Running = w.running.Load()
	return st
}

func (w *Warmer) run(ctx context.Context, reconcile bool) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer w.running.Store(false)
	defer w.done.Store(true)

	st := Status{Started: time.Now()}
	defer func() {
		st.Finished = time.Now()
		w.mu.Lock()
		w.status = st
		w.mu.Unlock()
	}()

	// keys pushed while the fetch is in flight are not in the snapshot and
	// must survive reconcile
	var before map[string]struct{}
	if reconcile {
		keys := w.cache.Keys()
		before = make(map[string]struct{}, len(keys))
		for _, key := range keys {
			before[key] = struct{}{}
		}
	}

	urls, err := w.fetcher.AllShortURLs(ctx)
	metrics.WarmRuns.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		st.Error = err.Error()
		w.logger.Error().Err(err).Bool("reconcile", reconcile).
			Msg("cache warm failed, serving with what is cached")
		return err
	}

	seen := make(map[string]struct{}, len(urls))
	for i := range urls {
		key := urls[i].CacheKey()
		if key == "" || urls[i].LongURL == "" {
			st.Skipped++
			continue
		}
		urls[i].Key = key
		w.cache.Put(key, urls[i])
		seen[key] = struct{}{}
		st.Loaded++
	}

	if reconcile {
		for key := range before {
			if _, ok := seen[key]; !ok {
				w.cache.Evict(key)
				st.Removed++
			}
		}
	}

	metrics.WarmRecords.Set(float64(st.Loaded))
	metrics.CacheEntries.Set(float64(w.cache.Len()))
	w.logger.Info().
		Int("loaded", st.Loaded).
		Int("skipped", st.Skipped).
		Int("removed", st.Removed).
		Dur("took", time.Since(st.Started)).
		Msg("cache warm finished")
	return nil
}
