package circuit

import "sync"

// Registry holds the active breakers, one per distinct settings,
// ensures synchronized access to them and applies default settings.
type Registry struct {
	mu       sync.Mutex
	defaults BreakerSettings
	onChange StateChangeFunc
	lookup   map[BreakerSettings]*Breaker
}

// NewRegistry initializes a registry with the provided default
// settings applied to every breaker whose own settings leave the
// corresponding field empty.
func NewRegistry(defaults BreakerSettings, onChange StateChangeFunc) *Registry {
	if defaults.Failures == 0 {
		defaults.Failures = DefaultFailures
	}
	if defaults.Cooldown == 0 {
		defaults.Cooldown = DefaultCooldown
	}

	return &Registry{
		defaults: defaults,
		onChange: onChange,
		lookup:   make(map[BreakerSettings]*Breaker),
	}
}

// Get returns the breaker for the provided settings, creating it on
// first use. The breaker is identified by the full merged settings,
// declarations with different thresholds for the same backend get
// independent breakers. An empty backend or disabled settings yield
// nil, and a nil *Breaker admits every call.
func (r *Registry) Get(s BreakerSettings) *Breaker {
	if s.Backend == "" || s.Disabled {
		return nil
	}

	s = s.mergeSettings(r.defaults)

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.lookup[s]
	if !ok {
		b = newBreaker(s, r.onChange)
		r.lookup[s] = b
	}

	return b
}
