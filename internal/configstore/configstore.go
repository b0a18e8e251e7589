// Package configstore keeps the latest redirection config fetched from the
// system of record and refreshes it on a fixed interval.
package configstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/store"
)

// Fetcher loads the current redirection config.
type Fetcher interface {
	RedirectionConfig(ctx context.Context) (store.RedirectionConfig, error)
}

// Store holds the last successfully fetched config. Readers never block on
// a refresh; a failed refresh leaves the previous config in place.
type Store struct {
	fetcher  Fetcher
	interval time.Duration
	logger   zerolog.Logger

	current     atomic.Pointer[store.RedirectionConfig]
	lastRefresh atomic.Int64
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(fetcher Fetcher, interval time.Duration, logger zerolog.Logger) *Store {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Store{
		fetcher:  fetcher,
		interval: interval,
		logger:   logger,
	}
}

// Config returns the current config, or the zero config before the first
// successful refresh.
func (s *Store) Config() store.RedirectionConfig {
	if cfg := s.current.Load(); cfg != nil {
		return *cfg
	}
	return store.RedirectionConfig{}
}

// LastRefresh returns when the config was last replaced, zero if never.
func (s *Store) LastRefresh() time.Time {
	ns := s.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Refresh fetches and installs a new config.
func (s *Store) Refresh(ctx context.Context) error {
	cfg, err := s.fetcher.RedirectionConfig(ctx)
	metrics.ConfigRefreshes.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Warn().Err(err).Msg("redirection config refresh failed, keeping previous config")
		return err
	}

	s.current.Store(&cfg)
	s.lastRefresh.Store(time.Now().UnixNano())
	s.logger.Debug().
		Str("fallback_url", cfg.Fallback()).
		Str("default_host", cfg.DefaultHost).
		Bool("show_error_page", cfg.ErrorPage()).
		Strs("tracking_fields", cfg.Fields()).
		Msg("redirection config refreshed")
	return nil
}

// Serve refreshes immediately and then every interval until ctx is done.
// Refresh failures never stop the loop.
func (s *Store) Serve(ctx context.Context) error {
	_ = s.Refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

func (s *Store) String() string { return "redirection-config" }
