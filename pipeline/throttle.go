package pipeline

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
	"github.com/policyflow/policyflow/ratelimit"
)

// ratelimitSpec creates both the rate-limit and the quota policy,
// they differ in the counter type, the default key expression and the
// quota's configurable boundary alignment and denial status.
type ratelimitSpec struct {
	rt    *Runtime
	quota bool
}

func (s *ratelimitSpec) Name() string {
	if s.quota {
		return "quota"
	}
	return "rate-limit"
}

func (s *ratelimitSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageInbound {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)

	defaultKey := "ip"
	if s.quota {
		defaultKey = "subscription"
	}

	settings := ratelimit.Settings{
		Type:       ratelimit.RateLimit,
		Group:      a.String("group", s.Name()),
		MaxHits:    a.Int("calls", 0),
		TimeWindow: a.Duration("window", 0),
	}
	keyExpr := a.String("key", defaultKey)

	status := 0
	align := ""
	if s.quota {
		settings.Type = ratelimit.QuotaLimit
		align = a.String("align", "rolling")
		settings.Aligned = align == "calendar"
		status = a.Int("status", http.StatusTooManyRequests)
	}

	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}

	if s.quota {
		if align != "rolling" && align != "calendar" {
			return nil, fmt.Errorf("quota: invalid align: %s", align)
		}
		if status != http.StatusTooManyRequests && status != http.StatusForbidden {
			return nil, fmt.Errorf("quota: status must be 429 or 403, got %d", status)
		}
	}

	key, err := compileKeyExpr(keyExpr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}

	kind := KindRateLimit
	if s.quota {
		kind = KindQuota
	}

	return &throttlePolicy{
		name:    s.Name(),
		kind:    kind,
		status:  status,
		limiter: s.rt.Limits.Get(settings),
		key:     key,
	}, nil
}

// compileKeyExpr maps a key expression to a per-request counter key.
// Supported: ip, global, subscription and header:<Name>.
func compileKeyExpr(expr string) (func(*Context) string, error) {
	switch {
	case expr == "ip":
		l := ratelimit.ClientLookuper{}
		return func(ctx *Context) string { return l.Lookup(ctx.Request()) }, nil

	case expr == "global":
		l := ratelimit.SameBucketLookuper{}
		return func(ctx *Context) string { return l.Lookup(ctx.Request()) }, nil

	case expr == "subscription":
		// falls back to the client address when no authenticate
		// policy ran before this one
		l := ratelimit.ClientLookuper{}
		return func(ctx *Context) string {
			if id := ctx.Identity(); id != nil && id.SubscriptionKey != "" {
				return id.SubscriptionKey
			}
			return l.Lookup(ctx.Request())
		}, nil

	case strings.HasPrefix(expr, "header:"):
		l := ratelimit.HeaderLookuper{Name: strings.TrimPrefix(expr, "header:")}
		return func(ctx *Context) string { return l.Lookup(ctx.Request()) }, nil

	default:
		return nil, fmt.Errorf("invalid key expression: %s", expr)
	}
}

type throttlePolicy struct {
	name    string
	kind    Kind
	status  int
	limiter *ratelimit.Ratelimit
	key     func(*Context) string
}

func (p *throttlePolicy) Name() string { return p.name }

func (p *throttlePolicy) Execute(ctx *Context) error {
	res := p.limiter.Check(p.key(ctx))

	// when both a rate-limit and a quota ran, the header reports the
	// tightest of them
	remaining := res.Remaining
	if prev := ctx.deferredHeader.Get(ratelimit.RemainingHeader); prev != "" {
		if n, err := strconv.Atoi(prev); err == nil && n < remaining {
			remaining = n
		}
	}
	ctx.DeferHeader(ratelimit.RemainingHeader, strconv.Itoa(remaining))

	if !res.Allowed {
		ctx.DeferHeader(ratelimit.RetryAfterHeader, strconv.Itoa(res.RetryAfterSeconds()))
		ctx.Emit(p.name, events.OutcomeDenied)
		return &Error{Kind: p.kind, Status: p.status, err: fmt.Errorf("key %s over limit", p.key(ctx))}
	}

	ctx.Emit(p.name, events.OutcomeAllowed)
	return nil
}
