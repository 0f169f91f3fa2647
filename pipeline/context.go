package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/policyflow/policyflow/auth"
	"github.com/policyflow/policyflow/backend"
	"github.com/policyflow/policyflow/cache"
	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

// Response is the outgoing response under construction. Policies may
// replace or decorate it until the executor writes it out.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Context is the per-request state threaded through every stage. It
// is created at ingress, mutated by policies in declaration order and
// discarded after the response is written. Never shared across
// requests.
type Context struct {
	stdctx  context.Context
	id      string
	stage   policy.Stage
	request *http.Request
	body    []byte

	response Response

	vars     map[string]interface{}
	identity *auth.Identity

	// served short-circuits the pipeline: the remaining policies of
	// the current stage and the backend dispatch are skipped, the
	// outbound stage still runs.
	served    bool
	fromCache bool

	// flight is set by a cache-lookup miss: the backend dispatch
	// then goes through this cache's single-flight group.
	flight   *cache.Cache
	cacheKey string
	cacheSig string

	target  *backend.Backend
	retry   backend.RetrySettings
	breaker circuit.BreakerSettings

	deferredHeader http.Header

	err     error
	emitter events.Emitter
	span    opentracing.Span
	now     func() time.Time
}

func newContext(stdctx context.Context, id string, req *http.Request, body []byte, emitter events.Emitter, span opentracing.Span, now func() time.Time) *Context {
	return &Context{
		stdctx:         stdctx,
		id:             id,
		request:        req,
		body:           body,
		response:       Response{Header: make(http.Header)},
		vars:           make(map[string]interface{}),
		deferredHeader: make(http.Header),
		emitter:        emitter,
		span:           span,
		now:            now,
	}
}

// StdContext is the request's context, carrying the overall deadline
// and client cancellation.
func (c *Context) StdContext() context.Context { return c.stdctx }

// RequestID identifies the request in events, logs and traces.
func (c *Context) RequestID() string { return c.id }

// Stage is the stage currently executing.
func (c *Context) Stage() policy.Stage { return c.stage }

// Request is the incoming request. Inbound policies may rewrite its
// headers before dispatch.
func (c *Context) Request() *http.Request { return c.request }

// Body is the buffered request body.
func (c *Context) Body() []byte { return c.body }

// SetBody replaces the buffered request body sent to the backend.
func (c *Context) SetBody(b []byte) { c.body = b }

// Response is the outgoing response under construction.
func (c *Context) Response() *Response { return &c.response }

// Identity is the caller identity set by an authenticate policy, nil
// before authentication.
func (c *Context) Identity() *auth.Identity { return c.identity }

func (c *Context) SetIdentity(id *auth.Identity) { c.identity = id }

// Var reads a named variable set by an earlier policy.
func (c *Context) Var(name string) (interface{}, bool) {
	v, ok := c.vars[name]
	return v, ok
}

func (c *Context) SetVar(name string, value interface{}) { c.vars[name] = value }

// Error is the fault that triggered the on-error stage, nil in the
// regular stages.
func (c *Context) Error() error { return c.err }

// Serve sets the response and marks the request served: the remaining
// policies of the current stage and the backend stage are skipped,
// the outbound stage still runs.
func (c *Context) Serve(rsp Response) {
	if rsp.Header == nil {
		rsp.Header = make(http.Header)
	}
	c.response = rsp
	c.served = true
}

// DeferHeader sets a response header that survives the response being
// replaced by a later dispatch or error. Deferred headers are applied
// last, right before the response is written.
func (c *Context) DeferHeader(name, value string) {
	c.deferredHeader.Set(name, value)
}

// Span is the request's tracing span.
func (c *Context) Span() opentracing.Span { return c.span }

// Emit reports a policy decision to the observability emitter. Best
// effort, never blocks.
func (c *Context) Emit(policyName string, outcome events.Outcome) {
	c.emitter.Emit(events.Event{
		Timestamp: c.now(),
		RequestID: c.id,
		Stage:     c.stage.String(),
		Policy:    policyName,
		Outcome:   outcome,
	})
}

func (c *Context) applyEntry(e *cache.Entry, fromCache bool) {
	c.response = Response{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       e.Body,
	}
	c.fromCache = fromCache
}
