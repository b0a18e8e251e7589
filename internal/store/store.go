package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Source when the system of record has no
// active mapping for a key.
var ErrNotFound = errors.New("short url not found")

// Store - represents the edge's local key -> ShortURL cache.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (ShortURL, bool)
	Put(key string, value ShortURL)
	Evict(key string)
	Keys() []string
	Len() int
}

// Source is the system of record as seen from the edge.
type Source interface {
	ShortURL(ctx context.Context, key string) (ShortURL, error)
	AllShortURLs(ctx context.Context) ([]ShortURL, error)
	RedirectionConfig(ctx context.Context) (RedirectionConfig, error)
	SaveHistory(ctx context.Context, event HistoryEvent) error
}
