package cache

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultMaxEntries = 10000

// Entry is a cached response. Header and Body must not be mutated
// after storing: an entry may be served to any number of requests
// concurrently.
type Entry struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
	VarySignature string
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Options to initialize a Cache.
type Options struct {
	// MaxEntries bounds the number of cached responses. Zero means
	// DefaultMaxEntries.
	MaxEntries int

	// Clock replaces the time source, for tests. Nil means
	// time.Now.
	Clock func() time.Time
}

// Cache is a response cache with single-flight fetch coalescing.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	flight     singleflight.Group
	maxEntries int
	now        func() time.Time
}

// New initializes a Cache.
func New(o Options) *Cache {
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	return &Cache{
		entries:    make(map[string]*Entry),
		maxEntries: o.MaxEntries,
		now:        o.Clock,
	}
}

// entryKey indexes entries by key and vary signature, so variants of
// the same resource are cached independently.
func entryKey(key, varySignature string) string {
	return key + "|" + varySignature
}

// Lookup returns the entry for key and vary signature when present
// and not expired. Expired entries are removed on access.
func (c *Cache) Lookup(key, varySignature string) (*Entry, bool) {
	now := c.now()
	ek := entryKey(key, varySignature)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ek]
	if !ok {
		return nil, false
	}

	if e.expired(now) {
		delete(c.entries, ek)
		return nil, false
	}

	return e, true
}

// Store caches the entry under key and the entry's vary signature for
// ttl. A non-positive ttl stores nothing.
func (c *Cache) Store(key string, e *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	now := c.now()
	e.CreatedAt = now
	e.ExpiresAt = now.Add(ttl)
	ek := entryKey(key, e.VarySignature)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[ek]; !ok && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}

	c.entries[ek] = e
}

// evictLocked frees one slot: expired entries first, an arbitrary one
// when none is expired.
func (c *Cache) evictLocked(now time.Time) {
	dropped := false
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			dropped = true
		}
	}
	if dropped {
		return
	}

	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

// Fetch coalesces concurrent fetches for the same key and vary
// signature: when n callers miss simultaneously, exactly one executes
// fetch and the remaining n-1 receive its result. A failed fetch
// releases every waiter with the error and caches nothing; shared
// reports whether the result was produced by another caller's fetch.
//
// Fetch does not store the result. Storing is the caller's decision,
// typically made by a cache-store policy that knows the ttl.
func (c *Cache) Fetch(key, varySignature string, fetch func() (*Entry, error)) (e *Entry, shared bool, err error) {
	if e, ok := c.Lookup(key, varySignature); ok {
		return e, false, nil
	}

	v, err, shared := c.flight.Do(entryKey(key, varySignature), func() (interface{}, error) {
		if e, ok := c.Lookup(key, varySignature); ok {
			return e, nil
		}
		return fetch()
	})
	if err != nil {
		return nil, shared, err
	}

	return v.(*Entry), shared, nil
}

// Len returns the number of cached entries, for diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
