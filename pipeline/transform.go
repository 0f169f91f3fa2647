package pipeline

import (
	"bytes"
	"fmt"

	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

type transformSpec struct{}

func (transformSpec) Name() string { return "transform" }

// Create compiles a find-and-replace body transformation. Inbound it
// rewrites the request body, outbound and on-error the response body.
func (s transformSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage == policy.StageBackend {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	find := a.String("find", "")
	replace := a.String("replace", "")
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	if find == "" {
		return nil, fmt.Errorf("transform: find required")
	}

	return &transformPolicy{
		request: stage == policy.StageInbound,
		find:    []byte(find),
		replace: []byte(replace),
	}, nil
}

type transformPolicy struct {
	request bool
	find    []byte
	replace []byte
}

func (p *transformPolicy) Name() string { return "transform" }

func (p *transformPolicy) Execute(ctx *Context) error {
	if p.request {
		ctx.SetBody(bytes.ReplaceAll(ctx.Body(), p.find, p.replace))
	} else {
		rsp := ctx.Response()
		rsp.Body = bytes.ReplaceAll(rsp.Body, p.find, p.replace)
	}

	ctx.Emit(p.Name(), events.OutcomeSuccess)
	return nil
}
