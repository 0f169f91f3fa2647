package pipeline

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

type setHeaderSpec struct{}

func (setHeaderSpec) Name() string { return "set-header" }

// Create compiles a header mutation. In the inbound stage it applies
// to the request sent to the backend, in the outbound and on-error
// stages to the response.
func (s setHeaderSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage == policy.StageBackend {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	name := a.String("name", "")
	value := a.String("value", "")
	mode := a.String("mode", "set")
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("set-header: %w", err)
	}

	if name == "" {
		return nil, fmt.Errorf("set-header: name required")
	}

	switch mode {
	case "set", "append", "delete":
	default:
		return nil, fmt.Errorf("set-header: invalid mode: %s", mode)
	}

	return &setHeaderPolicy{
		request: stage == policy.StageInbound,
		name:    name,
		value:   value,
		mode:    mode,
	}, nil
}

type setHeaderPolicy struct {
	request bool
	name    string
	value   string
	mode    string
}

func (p *setHeaderPolicy) Name() string { return "set-header" }

func (p *setHeaderPolicy) Execute(ctx *Context) error {
	h := ctx.Response().Header
	if p.request {
		h = ctx.Request().Header
	}

	switch p.mode {
	case "set":
		h.Set(p.name, p.value)
	case "append":
		h.Add(p.name, p.value)
	case "delete":
		h.Del(p.name)
	}

	ctx.Emit(p.Name(), events.OutcomeSuccess)
	return nil
}

type corsSpec struct{}

func (corsSpec) Name() string { return "cors" }

// Create compiles a CORS policy. Declared inbound it answers
// preflight requests, declared outbound it decorates the response of
// cross-origin calls.
func (s corsSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageInbound && stage != policy.StageOutbound {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	origins := a.Strings("allowed-origins")
	methods := a.Strings("allowed-methods")
	headers := a.Strings("allowed-headers")
	maxAge := a.Duration("max-age", 0)
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	if len(methods) == 0 {
		methods = []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		}
	}

	return &corsPolicy{
		preflight: stage == policy.StageInbound,
		origins:   origins,
		methods:   strings.Join(methods, ", "),
		headers:   strings.Join(headers, ", "),
		maxAge:    maxAge,
	}, nil
}

type corsPolicy struct {
	preflight bool
	origins   []string
	methods   string
	headers   string
	maxAge    time.Duration
}

func (p *corsPolicy) Name() string { return "cors" }

func (p *corsPolicy) allowed(origin string) (string, bool) {
	for _, o := range p.origins {
		if o == "*" {
			return "*", true
		}
		if o == origin {
			return origin, true
		}
	}
	return "", false
}

func (p *corsPolicy) Execute(ctx *Context) error {
	origin := ctx.Request().Header.Get("Origin")
	if origin == "" {
		ctx.Emit(p.Name(), events.OutcomeSkipped)
		return nil
	}

	allow, ok := p.allowed(origin)
	if !ok {
		// not a fault: the browser enforces the missing headers
		ctx.Emit(p.Name(), events.OutcomeDenied)
		return nil
	}

	if !p.preflight {
		h := ctx.Response().Header
		h.Set("Access-Control-Allow-Origin", allow)
		h.Add("Vary", "Origin")
		ctx.Emit(p.Name(), events.OutcomeAllowed)
		return nil
	}

	req := ctx.Request()
	if req.Method != http.MethodOptions || req.Header.Get("Access-Control-Request-Method") == "" {
		ctx.Emit(p.Name(), events.OutcomeSkipped)
		return nil
	}

	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", allow)
	h.Set("Access-Control-Allow-Methods", p.methods)
	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
	if p.maxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(p.maxAge/time.Second)))
	}

	ctx.Serve(Response{StatusCode: http.StatusNoContent, Header: h})
	ctx.Emit(p.Name(), events.OutcomeAllowed)
	return nil
}
