package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is the number of shards used by NewShardedStore
// when no explicit count is given. Must be a power of two.
const DefaultShardCount = 64

// CounterStore is the backing store contract shared by the rate
// limiter and the quota tracker. An implementation may be in-process
// or an external shared store, the semantics are identical: Incr
// atomically increments the counter belonging to key's current window
// and returns the incremented count together with the window start.
// The counter is reset before incrementing when now has crossed
// windowStart + window.
type CounterStore interface {
	Incr(key string, now time.Time, window time.Duration, aligned bool) (count int, windowStart time.Time)
}

type counterEntry struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

// ShardedStore is an in-process CounterStore. The key space is sharded
// by xxhash so that unrelated keys never contend on the same lock.
type ShardedStore struct {
	shards []*shard
	mask   uint64
}

// NewShardedStore creates a ShardedStore with the given number of
// shards, rounded up to the next power of two. Zero or negative means
// DefaultShardCount.
func NewShardedStore(shardCount int) *ShardedStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	n := 1
	for n < shardCount {
		n <<= 1
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*counterEntry)}
	}

	return &ShardedStore{shards: shards, mask: uint64(n - 1)}
}

func (s *ShardedStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

func windowStart(now time.Time, window time.Duration, aligned bool) time.Time {
	if aligned {
		return now.UTC().Truncate(window)
	}

	return now
}

// Incr implements CounterStore. The window reset is lazy: it happens
// under the shard lock on the first access past the boundary, and is
// therefore observed by every concurrent accessor of the same key
// before they increment.
func (s *ShardedStore) Incr(key string, now time.Time, window time.Duration, aligned bool) (int, time.Time) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.window != window || !now.Before(e.windowStart.Add(e.window)) {
		e = &counterEntry{windowStart: windowStart(now, window, aligned), window: window}
		sh.entries[key] = e
	}

	e.count++
	return e.count, e.windowStart
}

// Expire removes entries whose window ended before now. Expiry is a
// memory bound, not a correctness requirement: Incr resets stale
// entries on access anyway.
func (s *ShardedStore) Expire(now time.Time) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !now.Before(e.windowStart.Add(e.window)) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of tracked keys, for diagnostics.
func (s *ShardedStore) Len() int {
	var n int
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}

	return n
}
