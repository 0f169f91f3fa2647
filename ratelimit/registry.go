package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxHits    = 20
	DefaultTimeWindow = time.Second
)

// Registry holds the active limiters, ensures synchronized access to
// them and applies default settings. Limiters with equal settings are
// shared, so two policies declaring the same limit account against
// the same counters.
type Registry struct {
	mu       sync.Mutex
	defaults Settings
	store    CounterStore
	lookup   map[Settings]*Ratelimit
	now      func() time.Time
}

// NewRegistry initializes a registry over the given store with the
// provided default settings.
func NewRegistry(store CounterStore, defaults Settings) *Registry {
	if defaults.MaxHits == 0 {
		defaults.MaxHits = DefaultMaxHits
	}
	if defaults.TimeWindow == 0 {
		defaults.TimeWindow = DefaultTimeWindow
	}

	return &Registry{
		defaults: defaults,
		store:    store,
		lookup:   make(map[Settings]*Ratelimit),
		now:      time.Now,
	}
}

// WithClock replaces the time source of the registry and of every
// limiter it creates afterwards, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Get returns the shared limiter for the provided settings, filled up
// with the registry defaults. Returns nil for NoLimit settings, and a
// nil *Ratelimit allows everything.
func (r *Registry) Get(s Settings) *Ratelimit {
	if s.Type == NoLimit {
		return nil
	}

	s = s.mergeSettings(r.defaults)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lookup[s]
	if !ok {
		l = New(s, r.store).WithClock(r.now)
		r.lookup[s] = l
	}

	return l
}
