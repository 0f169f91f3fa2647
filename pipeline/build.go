package pipeline

import (
	"fmt"
	"net/http"

	"github.com/policyflow/policyflow/policy"
)

type chain map[policy.Stage][]Policy

type operationChain struct {
	op     *policy.Operation
	stages chain
}

// PolicySet holds the executable policy chains of a resolved
// document: one chain per operation plus the global chain serving
// requests no operation matches. Immutable after Build, shared by all
// requests.
type PolicySet struct {
	operations []operationChain
	global     chain
	registry   *Registry
}

// Build creates the policy instances for every operation of the
// resolved document. Declarations of unknown kinds, arguments their
// kind does not accept and kinds declared in a stage they do not
// support all fail the build.
func Build(r *policy.Resolved, registry *Registry) (*PolicySet, error) {
	ps := &PolicySet{registry: registry}

	global, err := buildChain(registry, "global", func(st policy.Stage) []policy.Declaration {
		return r.Global[st]
	})
	if err != nil {
		return nil, err
	}
	ps.global = global

	for _, op := range r.Operations {
		stages, err := buildChain(registry, op.Name(), op.Stage)
		if err != nil {
			return nil, err
		}
		ps.operations = append(ps.operations, operationChain{op: op, stages: stages})
	}

	return ps, nil
}

func buildChain(registry *Registry, name string, decls func(policy.Stage) []policy.Declaration) (chain, error) {
	ch := make(chain)
	for _, st := range []policy.Stage{policy.StageInbound, policy.StageBackend, policy.StageOutbound, policy.StageOnError} {
		for _, d := range decls(st) {
			spec, err := registry.get(d.Kind)
			if err != nil {
				return nil, fmt.Errorf("%s %v: %w", name, st, err)
			}

			p, err := spec.Create(st, d)
			if err != nil {
				return nil, fmt.Errorf("%s %v: %w", name, st, err)
			}

			ch[st] = append(ch[st], p)
		}
	}
	return ch, nil
}

// match returns the chain of the first operation matching the
// request, in declaration order, or the global chain.
func (ps *PolicySet) match(req *http.Request) (chain, string) {
	for _, oc := range ps.operations {
		if oc.op.Match(req) {
			return oc.stages, oc.op.Name()
		}
	}
	return ps.global, "global"
}

// Close releases resources held by policies, currently the key set
// pollers of the authenticate policies.
func (ps *PolicySet) Close() {
	ps.registry.rt.closeValidators()
}
