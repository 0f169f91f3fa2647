package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/policyflow/policyflow/auth"
	"github.com/policyflow/policyflow/backend"
	"github.com/policyflow/policyflow/cache"
	"github.com/policyflow/policyflow/policy"
	"github.com/policyflow/policyflow/ratelimit"
)

// Policy is a single configured rule applied during one stage.
// Instances are created once at load time and must be safe for
// concurrent use, all per-request state lives in the Context.
type Policy interface {
	Name() string
	Execute(ctx *Context) error
}

// Spec creates policy instances from declarations. One spec exists
// per policy kind, registered by name.
type Spec interface {
	Name() string
	Create(stage policy.Stage, d policy.Declaration) (Policy, error)
}

// TokenValidator verifies bearer tokens. Satisfied by
// *auth.Validator.
type TokenValidator interface {
	Validate(token string, rules []auth.ClaimRule) (*auth.Identity, error)
	Close()
}

// Runtime bundles the shared components the builtin specs bind their
// policies to.
type Runtime struct {
	// Limits creates and shares rate limiters and quota trackers.
	Limits *ratelimit.Registry

	// Cache is the response cache used by the cache-lookup and
	// cache-store policies.
	Cache *cache.Cache

	// Proxy dispatches backend calls.
	Proxy *backend.Proxy

	// NewValidator creates a token validator. When nil,
	// auth.NewValidator is used. Replaced in tests.
	NewValidator func(auth.Options) (TokenValidator, error)

	mu         sync.Mutex
	validators map[string]TokenValidator
}

// validator returns the shared validator for the given options,
// creating it on first use. Operations inheriting the same
// authenticate declaration this way share one key set poller.
func (rt *Runtime) validator(o auth.Options) (TokenValidator, error) {
	key := fmt.Sprintf("%s|%s|%s|%s", o.KeySetURL, o.Issuer, o.RefreshInterval, o.SubscriptionClaim)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if v, ok := rt.validators[key]; ok {
		return v, nil
	}

	newValidator := rt.NewValidator
	if newValidator == nil {
		newValidator = func(o auth.Options) (TokenValidator, error) {
			return auth.NewValidator(context.Background(), o)
		}
	}

	v, err := newValidator(o)
	if err != nil {
		return nil, err
	}

	if rt.validators == nil {
		rt.validators = make(map[string]TokenValidator)
	}
	rt.validators[key] = v
	return v, nil
}

func (rt *Runtime) closeValidators() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, v := range rt.validators {
		v.Close()
	}
	rt.validators = nil
}

// Registry maps policy kinds to their specs.
type Registry struct {
	specs map[string]Spec
	rt    *Runtime
}

// NewRegistry creates a registry holding the builtin specs bound to
// rt, plus any extra specs.
func NewRegistry(rt *Runtime, extra ...Spec) *Registry {
	r := &Registry{specs: make(map[string]Spec), rt: rt}
	for _, s := range builtinSpecs(rt) {
		r.Register(s)
	}
	for _, s := range extra {
		r.Register(s)
	}
	return r
}

// Register adds a spec, replacing any spec of the same name.
func (r *Registry) Register(s Spec) { r.specs[s.Name()] = s }

func (r *Registry) get(kind string) (Spec, error) {
	s, ok := r.specs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown policy kind: %s", kind)
	}
	return s, nil
}

func builtinSpecs(rt *Runtime) []Spec {
	return []Spec{
		&authenticateSpec{rt: rt},
		&ratelimitSpec{rt: rt, quota: false},
		&ratelimitSpec{rt: rt, quota: true},
		&cacheLookupSpec{rt: rt},
		&cacheStoreSpec{rt: rt},
		&transformSpec{},
		&setHeaderSpec{},
		&routeSpec{},
		&retrySpec{},
		&circuitBreakSpec{},
		&corsSpec{},
		&traceSpec{},
		&respondSpec{},
	}
}

// invalidStage is the error for a declaration in a stage its kind
// does not support.
func invalidStage(kind string, stage policy.Stage) error {
	return fmt.Errorf("policy %s not valid in stage %v", kind, stage)
}
