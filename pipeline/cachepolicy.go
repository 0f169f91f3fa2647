package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/policyflow/policyflow/cache"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

type cacheLookupSpec struct {
	rt *Runtime
}

func (s *cacheLookupSpec) Name() string { return "cache-lookup" }

func (s *cacheLookupSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageInbound {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	varyHeaders := a.Strings("vary-by-headers")
	varyQuery := a.Strings("vary-by-query")
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("cache-lookup: %w", err)
	}

	if s.rt.Cache == nil {
		return nil, fmt.Errorf("cache-lookup: no cache configured")
	}

	return &cacheLookupPolicy{
		cache:       s.rt.Cache,
		varyHeaders: varyHeaders,
		varyQuery:   varyQuery,
	}, nil
}

type cacheLookupPolicy struct {
	cache       *cache.Cache
	varyHeaders []string
	varyQuery   []string
}

func (p *cacheLookupPolicy) Name() string { return "cache-lookup" }

func (p *cacheLookupPolicy) Execute(ctx *Context) error {
	req := ctx.Request()
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		ctx.Emit(p.Name(), events.OutcomeSkipped)
		return nil
	}

	key := cache.Key(req)
	sig := cache.Signature(req, p.varyHeaders, p.varyQuery)

	if e, ok := p.cache.Lookup(key, sig); ok {
		ctx.applyEntry(e, true)
		ctx.served = true
		ctx.Emit(p.Name(), events.OutcomeHit)
		return nil
	}

	ctx.flight = p.cache
	ctx.cacheKey = key
	ctx.cacheSig = sig
	ctx.Emit(p.Name(), events.OutcomeMiss)
	return nil
}

type cacheStoreSpec struct {
	rt *Runtime
}

func (s *cacheStoreSpec) Name() string { return "cache-store" }

func (s *cacheStoreSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageOutbound {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	ttl := a.Duration("ttl", 0)
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("cache-store: %w", err)
	}

	if ttl <= 0 {
		return nil, fmt.Errorf("cache-store: ttl required")
	}

	if s.rt.Cache == nil {
		return nil, fmt.Errorf("cache-store: no cache configured")
	}

	return &cacheStorePolicy{cache: s.rt.Cache, ttl: ttl}, nil
}

type cacheStorePolicy struct {
	cache *cache.Cache
	ttl   time.Duration
}

func (p *cacheStorePolicy) Name() string { return "cache-store" }

// Execute stores the response built by the backend stage. Responses
// served from the cache, non-2xx responses and requests without a
// preceding cache-lookup are left alone.
func (p *cacheStorePolicy) Execute(ctx *Context) error {
	rsp := ctx.Response()
	if ctx.cacheKey == "" || ctx.fromCache || rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		ctx.Emit(p.Name(), events.OutcomeSkipped)
		return nil
	}

	p.cache.Store(ctx.cacheKey, &cache.Entry{
		StatusCode:    rsp.StatusCode,
		Header:        rsp.Header.Clone(),
		Body:          rsp.Body,
		VarySignature: ctx.cacheSig,
	}, p.ttl)

	ctx.Emit(p.Name(), events.OutcomeSuccess)
	return nil
}
