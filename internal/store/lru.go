package store

import (
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ShardedLRU is a bounded Store split into independently locked LRU shards.
// A key always maps to the same shard, so a lookup only ever waits on
// mutations that hash to its own shard.
type ShardedLRU struct {
	shards   []*lru.Cache[string, ShortURL]
	capacity int

	// OnEvict is called each time an entry is dropped to make room.
	OnEvict func()
}

// NewShardedLRU builds a cache holding at most capacity entries spread over
// the given number of shards. Shard sizes sum to exactly capacity.
func NewShardedLRU(capacity, shards int) (*ShardedLRU, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if shards <= 0 {
		shards = 1
	}
	if shards > capacity {
		shards = capacity
	}

	per, extra := capacity/shards, capacity%shards
	c := &ShardedLRU{
		shards:   make([]*lru.Cache[string, ShortURL], shards),
		capacity: capacity,
	}
	for i := range c.shards {
		size := per
		if i < extra {
			size++
		}
		s, err := lru.New[string, ShortURL](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create shard %d: %w", i, err)
		}
		c.shards[i] = s
	}
	return c, nil
}

func (c *ShardedLRU) shard(key string) *lru.Cache[string, ShortURL] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the record cached under key and marks it recently used.
func (c *ShardedLRU) Get(key string) (ShortURL, bool) {
	return c.shard(key).Get(key)
}

// Put stores value under key, replacing any previous value. When the shard
// is full its least recently used entry is dropped.
func (c *ShardedLRU) Put(key string, value ShortURL) {
	if c.shard(key).Add(key, value) && c.OnEvict != nil {
		c.OnEvict()
	}
}

// Evict removes key. Removing an absent key is a no-op.
func (c *ShardedLRU) Evict(key string) {
	c.shard(key).Remove(key)
}

// Keys returns a snapshot of every cached key.
func (c *ShardedLRU) Keys() []string {
	keys := make([]string, 0, c.Len())
	for _, s := range c.shards {
		keys = append(keys, s.Keys()...)
	}
	return keys
}

// Len returns the number of cached entries.
func (c *ShardedLRU) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

// Capacity returns the configured entry bound.
func (c *ShardedLRU) Capacity() int {
	return c.capacity
}

// Shards returns the number of shards.
func (c *ShardedLRU) Shards() int {
	return len(c.shards)
}
