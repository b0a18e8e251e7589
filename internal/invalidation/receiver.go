// Package invalidation applies change notifications pushed by the system of
// record to the edge cache.
//
// Delivery is at-most-once: the system of record does not retry a failed
// push, so a lost notification leaves the entry stale until the next push,
// a single-key refresh or a rewarm.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/store"
)

var (
	// ErrMissingKey is returned for an upsert whose key cannot be derived.
	ErrMissingKey = errors.New("short url record has no key")
	// ErrInvalidRecord is returned for an upsert that fails validation.
	ErrInvalidRecord = errors.New("invalid short url record")
)

// Refresh outcomes.
const (
	Cached  = "cached"
	Evicted = "evicted"
)

// Fetcher loads a single mapping from the system of record.
type Fetcher interface {
	ShortURL(ctx context.Context, key string) (store.ShortURL, error)
}

// DefaultRefreshTimeout bounds a single-key refresh unless RefreshTimeout is set.
const DefaultRefreshTimeout = 5 * time.Second

type Receiver struct {
	// RefreshTimeout bounds the shared fetch behind OnRefresh.
	RefreshTimeout time.Duration

	cache    store.Store
	fetcher  Fetcher
	validate *validator.Validate
	group    singleflight.Group
	logger   zerolog.Logger
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cache store.Store, fetcher Fetcher, logger zerolog.Logger) *Receiver {
	return &Receiver{
		RefreshTimeout: DefaultRefreshTimeout,
		cache:          cache,
		fetcher:        fetcher,
		validate:       validator.New(),
		logger:         logger,
	}
}

// OnUpsert caches record under its key, replacing any previous value.
//
//nolint:gocritic // records are copied into the cache by value
func (r *Receiver) OnUpsert(record store.ShortURL) error {
	key := record.CacheKey()
	if key == "" {
		metrics.Invalidations.WithLabelValues("upsert", "rejected").Inc()
		return ErrMissingKey
	}
	if err := r.validate.Struct(record); err != nil {
		metrics.Invalidations.WithLabelValues("upsert", "rejected").Inc()
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	record.Key = key
	r.cache.Put(key, record)
	r.updated()
	metrics.Invalidations.WithLabelValues("upsert", "success").Inc()
	r.logger.Debug().Str("key", key).Msg("cache entry upserted")
	return nil
}

// OnEvict removes key from the cache. Absent keys are a no-op.
func (r *Receiver) OnEvict(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		metrics.Invalidations.WithLabelValues("evict", "rejected").Inc()
		return ErrMissingKey
	}
	r.cache.Evict(key)
	r.updated()
	metrics.Invalidations.WithLabelValues("evict", "success").Inc()
	r.logger.Debug().Str("key", key).Msg("cache entry evicted")
	return nil
}

// OnRefresh pulls key from the system of record. The entry is cached when
// found and evicted when the system of record no longer has it; any other
// error leaves the cache unchanged. Concurrent refreshes of one key share
// a single fetch, which outlives a caller that gives up early.
func (r *Receiver) OnRefresh(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingKey
	}

	timeout := r.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	ch := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return r.refresh(fctx, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if res.Err != nil {
		metrics.Invalidations.WithLabelValues("refresh", "failure").Inc()
		r.logger.Warn().Err(res.Err).Str("key", key).Msg("cache entry refresh failed")
		return "", res.Err
	}

	metrics.Invalidations.WithLabelValues("refresh", "success").Inc()
	return res.Val.(string), nil
}

func (r *Receiver) refresh(ctx context.Context, key string) (string, error) {
	u, err := r.fetcher.ShortURL(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.cache.Evict(key)
		r.updated()
		return Evicted, nil
	case err != nil:
		return "", err
	}

	// the refreshed key always gets the record, whatever key it carries
	if u.CacheKey() != key {
		u.Key = key
	}
	if err := r.OnUpsert(u); err != nil {
		return "", err
	}
	return Cached, nil
}

func (r *Receiver) updated() {
	metrics.CacheEntries.Set(float64(r.cache.Len()))
}
