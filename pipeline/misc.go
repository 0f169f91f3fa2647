package pipeline

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

type traceSpec struct{}

func (traceSpec) Name() string { return "trace" }

func (s traceSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	a := policy.NewArgs(d)
	message := a.String("message", "trace")
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	return &tracePolicy{message: message}, nil
}

type tracePolicy struct {
	message string
}

func (p *tracePolicy) Name() string { return "trace" }

func (p *tracePolicy) Execute(ctx *Context) error {
	fields := log.Fields{
		"requestId": ctx.RequestID(),
		"stage":     ctx.Stage().String(),
	}
	if err := ctx.Error(); err != nil {
		fields["error"] = err.Error()
		ctx.Span().LogKV("event", "trace", "message", p.message, "error", err.Error())
	} else {
		ctx.Span().LogKV("event", "trace", "message", p.message)
	}

	log.WithFields(fields).Info(p.message)
	ctx.Emit(p.Name(), events.OutcomeSuccess)
	return nil
}

type respondSpec struct{}

func (respondSpec) Name() string { return "respond" }

// Create compiles a fixed response, terminating the inbound stage
// without contacting any backend. Used for health and stub endpoints.
func (s respondSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageInbound {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	status := a.Int("status", http.StatusOK)
	body := a.String("body", "")
	contentType := a.String("content-type", "")
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("respond: %w", err)
	}

	if status < 100 || status > 599 {
		return nil, fmt.Errorf("respond: invalid status: %d", status)
	}

	if contentType == "" && body != "" {
		contentType = "text/plain; charset=utf-8"
	}

	return &respondPolicy{status: status, body: []byte(body), contentType: contentType}, nil
}

type respondPolicy struct {
	status      int
	body        []byte
	contentType string
}

func (p *respondPolicy) Name() string { return "respond" }

func (p *respondPolicy) Execute(ctx *Context) error {
	h := make(http.Header)
	if p.contentType != "" {
		h.Set("Content-Type", p.contentType)
	}

	ctx.Serve(Response{StatusCode: p.status, Header: h, Body: p.body})
	ctx.Emit(p.Name(), events.OutcomeSuccess)
	return nil
}
