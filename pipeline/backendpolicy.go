package pipeline

import (
	"errors"
	"fmt"

	"github.com/policyflow/policyflow/backend"
	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

type routeSpec struct{}

func (routeSpec) Name() string { return "route" }

// Create compiles the declared backend table into a router. The
// predicates are evaluated in declaration order, the first match
// wins, the declared default backend catches the rest.
func (s routeSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageBackend {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	var configs []backend.Config
	a.Decode("backends", &configs)
	defaultID := a.String("default", "")
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}

	if len(configs) == 0 {
		return nil, fmt.Errorf("route: backends required")
	}

	router, err := backend.NewRouter(configs, defaultID)
	if err != nil {
		return nil, fmt.Errorf("route: %w", err)
	}

	return &routePolicy{router: router}, nil
}

type routePolicy struct {
	router *backend.Router
}

func (p *routePolicy) Name() string { return "route" }

func (p *routePolicy) Execute(ctx *Context) error {
	b, err := p.router.Route(ctx.Request())
	if err != nil {
		ctx.Emit(p.Name(), events.OutcomeDenied)
		if errors.Is(err, backend.ErrNoBackend) {
			return perror(KindRouting, err)
		}
		return perror(KindInternal, err)
	}

	ctx.target = b
	ctx.Emit(p.Name(), events.OutcomeSuccess)
	return nil
}

type retrySpec struct{}

func (retrySpec) Name() string { return "retry" }

func (s retrySpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageBackend {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	settings := backend.RetrySettings{
		Count:       a.Int("count", 0),
		Interval:    a.Duration("interval", 0),
		Delta:       a.Duration("delta", 0),
		MaxInterval: a.Duration("max-interval", 0),
	}
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}

	if settings.Count < 0 {
		return nil, fmt.Errorf("retry: count must not be negative")
	}

	return &retryPolicy{settings: settings}, nil
}

type retryPolicy struct {
	settings backend.RetrySettings
}

func (p *retryPolicy) Name() string { return "retry" }

func (p *retryPolicy) Execute(ctx *Context) error {
	ctx.retry = p.settings
	return nil
}

type circuitBreakSpec struct{}

func (circuitBreakSpec) Name() string { return "circuit-break" }

func (s circuitBreakSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageBackend {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	settings := circuit.BreakerSettings{
		Failures: a.Int("failures", 0),
		Cooldown: a.Duration("cooldown", 0),
		Disabled: a.Bool("disabled", false),
	}
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("circuit-break: %w", err)
	}

	return &circuitBreakPolicy{settings: settings}, nil
}

type circuitBreakPolicy struct {
	settings circuit.BreakerSettings
}

func (p *circuitBreakPolicy) Name() string { return "circuit-break" }

func (p *circuitBreakPolicy) Execute(ctx *Context) error {
	ctx.breaker = p.settings
	return nil
}
