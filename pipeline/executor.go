package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/policyflow/policyflow/backend"
	"github.com/policyflow/policyflow/cache"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/logging"
	"github.com/policyflow/policyflow/policy"
)

// DefaultTimeout bounds the total processing of one request,
// including every backend attempt and retry delay.
const DefaultTimeout = 30 * time.Second

// Metrics receives request measurements. Satisfied by
// *metrics.Metrics.
type Metrics interface {
	MeasureResponse(code int, method string, d time.Duration)
}

// Options to initialize an Executor.
type Options struct {
	// Policies is the resolved policy set driving every request.
	Policies *PolicySet

	// Proxy dispatches the backend calls.
	Proxy *backend.Proxy

	// Emitter receives stage and policy events. Defaults to
	// events.Void.
	Emitter events.Emitter

	// Metrics receives response measurements, optional.
	Metrics Metrics

	// Tracer creates the per-request spans. Defaults to the noop
	// tracer.
	Tracer opentracing.Tracer

	// Timeout bounds the total request processing. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// AccessLogDisabled suppresses the per-request access log line.
	AccessLogDisabled bool

	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

// Executor runs the policy pipeline for every request: inbound stage,
// backend dispatch, outbound stage, with the on-error stage as the
// exception path. It produces exactly one terminal response per
// request, faults included.
type Executor struct {
	policies          *PolicySet
	proxy             *backend.Proxy
	emitter           events.Emitter
	metrics           Metrics
	tracer            opentracing.Tracer
	timeout           time.Duration
	accessLogDisabled bool
	now               func() time.Time
}

func New(o Options) *Executor {
	if o.Emitter == nil {
		o.Emitter = events.Void{}
	}
	if o.Tracer == nil {
		o.Tracer = &opentracing.NoopTracer{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	return &Executor{
		policies:          o.Policies,
		proxy:             o.Proxy,
		emitter:           o.Emitter,
		metrics:           o.Metrics,
		tracer:            o.Tracer,
		timeout:           o.Timeout,
		accessLogDisabled: o.AccessLogDisabled,
		now:               o.Clock,
	}
}

// Close releases the resources held by the policy set.
func (e *Executor) Close() {
	e.policies.Close()
}

func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := e.now()
	id := uuid.New().String()

	span := e.tracer.StartSpan("pipeline")
	span.SetTag("http.method", r.Method)
	span.SetTag("http.url", r.URL.Path)
	span.SetTag("request.id", id)
	defer span.Finish()

	stdctx, cancel := context.WithTimeout(r.Context(), e.timeout)
	defer cancel()
	stdctx = opentracing.ContextWithSpan(stdctx, span)

	ch, operation := e.policies.match(r)
	ctx := newContext(stdctx, id, r, nil, e.emitter, span, e.now)

	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			e.fail(ctx, ch, perrorf(KindValidation, "reading request body: %w", err))
			e.finish(w, ctx, span, operation, start)
			return
		}
		ctx.SetBody(body)
	}

	e.run(ctx, ch)
	e.finish(w, ctx, span, operation, start)
}

func (e *Executor) finish(w http.ResponseWriter, ctx *Context, span opentracing.Span, operation string, start time.Time) {
	status, size := e.write(w, ctx)
	d := e.now().Sub(start)

	span.SetTag("http.status_code", status)
	if e.metrics != nil {
		e.metrics.MeasureResponse(status, ctx.Request().Method, d)
	}
	if !e.accessLogDisabled {
		logging.Access(&logging.AccessEntry{
			Request:      ctx.Request(),
			StatusCode:   status,
			ResponseSize: size,
			Duration:     d,
			RequestTime:  start,
			Operation:    operation,
		})
	}
}

func (e *Executor) run(ctx *Context, ch chain) {
	if err := e.stage(ctx, ch, policy.StageInbound); err != nil {
		e.fail(ctx, ch, err)
		return
	}

	if !ctx.served {
		if err := e.stage(ctx, ch, policy.StageBackend); err != nil {
			e.fail(ctx, ch, err)
			return
		}
	}

	if err := e.stage(ctx, ch, policy.StageOutbound); err != nil {
		e.fail(ctx, ch, err)
	}
}

// stage runs the policies of one stage in declaration order. A policy
// serving the request aborts the remainder of the stage. The backend
// stage dispatches after its policies configured the target.
func (e *Executor) stage(ctx *Context, ch chain, st policy.Stage) error {
	ctx.stage = st
	start := e.now()
	servedBefore := ctx.served

	var err error
	for _, p := range ch[st] {
		if err = p.Execute(ctx); err != nil {
			break
		}
		if ctx.served && !servedBefore {
			break
		}
	}

	if err == nil && st == policy.StageBackend && !ctx.served {
		err = e.dispatch(ctx)
	}

	outcome := events.OutcomeSuccess
	if err != nil {
		outcome = events.OutcomeFault
	}
	e.emitter.Emit(events.Event{
		Timestamp: e.now(),
		RequestID: ctx.id,
		Stage:     st.String(),
		Outcome:   outcome,
		Duration:  e.now().Sub(start),
	})

	return err
}

// dispatch sends the request to the routed backend. With an active
// cache-lookup miss the call goes through the cache's single-flight
// group, coalescing concurrent identical misses into one backend
// call.
func (e *Executor) dispatch(ctx *Context) error {
	if ctx.target == nil {
		return &Error{
			Kind:   KindRouting,
			Status: http.StatusBadGateway,
			err:    errors.New("no backend configured"),
		}
	}

	fetch := func() (*cache.Entry, error) {
		rsp, err := e.proxy.Dispatch(ctx.stdctx, ctx.target, ctx.request, ctx.body, ctx.retry, ctx.breaker)
		if err != nil {
			ctx.Emit("dispatch", events.OutcomeFault)
			return nil, dispatchError(err)
		}
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		if err != nil {
			ctx.Emit("dispatch", events.OutcomeFault)
			return nil, perrorf(KindUnavailable, "reading backend response: %w", err)
		}

		ctx.Emit("dispatch", events.OutcomeSuccess)
		return &cache.Entry{
			StatusCode: rsp.StatusCode,
			Header:     rsp.Header.Clone(),
			Body:       body,
		}, nil
	}

	var (
		entry *cache.Entry
		err   error
	)
	if ctx.flight != nil {
		entry, _, err = ctx.flight.Fetch(ctx.cacheKey, ctx.cacheSig, fetch)
	} else {
		entry, err = fetch()
	}
	if err != nil {
		return err
	}

	ctx.applyEntry(entry, false)
	return nil
}

// dispatchError maps backend failures to the response status: an open
// circuit is 503, the backend recovers on its own after the cooldown,
// while exhausted retries and transport failures are 502.
func dispatchError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return perror(KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return perror(KindInternal, err)
	case errors.Is(err, backend.ErrBreakerOpen):
		return perror(KindUnavailable, err)
	default:
		return &Error{Kind: KindUnavailable, Status: http.StatusBadGateway, err: err}
	}
}

// fail turns a fault into the error response and runs the on-error
// stage. The on-error policies may rewrite the response, their own
// failure degrades to a bare 500.
func (e *Executor) fail(ctx *Context, ch chain, err error) {
	ctx.err = err

	var perr *Error
	if !errors.As(err, &perr) {
		perr = perror(KindInternal, err)
	}

	log.WithFields(log.Fields{
		"requestId": ctx.id,
		"stage":     ctx.stage.String(),
		"kind":      perr.Kind.String(),
	}).Errorf("pipeline fault: %v", err)
	ctx.span.SetTag("error", true)

	e.errorResponse(ctx, perr)

	if len(ch[policy.StageOnError]) == 0 {
		return
	}

	if oerr := e.stage(ctx, ch, policy.StageOnError); oerr != nil {
		log.WithFields(log.Fields{"requestId": ctx.id}).Errorf("on-error stage failed: %v", oerr)
		e.errorResponse(ctx, perror(KindInternal, oerr))
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse replaces the response with the sanitized rendering of
// the fault: the kind's status and safe message, nothing from the
// wrapped cause.
func (e *Executor) errorResponse(ctx *Context, perr *Error) {
	body, _ := json.Marshal(errorBody{
		Code:    perr.Kind.String(),
		Message: perr.Kind.safeMessage(),
	})

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	ctx.response = Response{
		StatusCode: perr.status(),
		Header:     h,
		Body:       body,
	}
}

// write sends the response. Deferred headers are applied last so they
// survive the response being replaced by a dispatch or a fault. When
// the client is gone the write is skipped, the pipeline still ran for
// its observability records.
func (e *Executor) write(w http.ResponseWriter, ctx *Context) (status int, size int64) {
	for name, values := range ctx.deferredHeader {
		ctx.response.Header[name] = values
	}

	status = ctx.response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if errors.Is(ctx.request.Context().Err(), context.Canceled) {
		return status, 0
	}

	for name, values := range ctx.response.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(status)
	n, _ := w.Write(ctx.response.Body)
	return status, int64(n)
}
