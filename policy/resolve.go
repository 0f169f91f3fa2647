package policy

import (
	"fmt"
	"net/http"
	"strings"
)

// Operation is a resolved operation: a compiled matcher and the
// flattened declarations per stage. Immutable after resolution.
type Operation struct {
	Method string
	Path   string

	stages map[Stage][]Declaration
	prefix string
	exact  bool
}

// Name identifies the operation in logs and events.
func (o *Operation) Name() string {
	m := o.Method
	if m == "" {
		m = "*"
	}

	return m + " " + o.Path
}

// Stage returns the flattened declarations of a stage.
func (o *Operation) Stage(s Stage) []Declaration {
	return o.stages[s]
}

// Match reports whether the operation covers the request.
func (o *Operation) Match(req *http.Request) bool {
	if o.Method != "" && o.Method != req.Method {
		return false
	}

	if o.exact {
		return req.URL.Path == o.prefix
	}

	return strings.HasPrefix(req.URL.Path, o.prefix)
}

// Resolved is a fully resolved policy document. The global stages are
// kept for requests matching no operation.
type Resolved struct {
	Operations []*Operation
	Global     map[Stage][]Declaration
}

// MatchOperation returns the first operation covering the request, in
// declaration order, or nil when only the global scope applies.
func (r *Resolved) MatchOperation(req *http.Request) *Operation {
	for _, o := range r.Operations {
		if o.Match(req) {
			return o
		}
	}

	return nil
}

// flatten splices the parent declarations at the position of the base
// marker. An undeclared (nil) stage inherits the parent wholesale. At
// most one base marker is allowed per stage.
func flatten(own, parent []Declaration) ([]Declaration, error) {
	if own == nil {
		result := make([]Declaration, len(parent))
		copy(result, parent)
		return result, nil
	}

	var (
		result  []Declaration
		spliced bool
	)

	for _, d := range own {
		if d.Kind != KindBase {
			result = append(result, d)
			continue
		}

		if spliced {
			return nil, fmt.Errorf("multiple base markers in one stage")
		}
		spliced = true
		result = append(result, parent...)
	}

	return result, nil
}

func compilePath(path string) (prefix string, exact bool, err error) {
	if path == "" || path[0] != '/' {
		return "", false, fmt.Errorf("operation path must start with /: %q", path)
	}

	if strings.HasSuffix(path, "/*") {
		return strings.TrimSuffix(path, "*"), false, nil
	}

	if strings.Contains(path, "*") {
		return "", false, fmt.Errorf("wildcard is only supported as a trailing /*: %q", path)
	}

	return path, true, nil
}

// Resolve flattens the document's inheritance chain. Every operation
// stage gets the global stage spliced at its base marker, or inherits
// it wholesale when the stage is not declared. Base markers in the
// global scope are invalid, there is nothing to inherit from.
func Resolve(doc *Document) (*Resolved, error) {
	global := make(map[Stage][]Declaration, len(allStages))
	for _, stage := range allStages {
		ds := doc.Global.get(stage)
		for _, d := range ds {
			if d.Kind == KindBase {
				return nil, fmt.Errorf("global %v: base marker without a parent scope", stage)
			}
		}
		global[stage] = ds
	}

	r := &Resolved{Global: global}

	for _, od := range doc.Operations {
		prefix, exact, err := compilePath(od.Path)
		if err != nil {
			return nil, err
		}

		o := &Operation{
			Method: strings.ToUpper(od.Method),
			Path:   od.Path,
			stages: make(map[Stage][]Declaration, len(allStages)),
			prefix: prefix,
			exact:  exact,
		}

		for _, stage := range allStages {
			flat, err := flatten(od.Policies.get(stage), global[stage])
			if err != nil {
				return nil, fmt.Errorf("%s %v: %w", o.Name(), stage, err)
			}
			o.stages[stage] = flat
		}

		r.Operations = append(r.Operations, o)
	}

	return r, nil
}

// Load parses and resolves a policy document in one step.
func Load(b []byte) (*Resolved, error) {
	doc, err := Parse(b)
	if err != nil {
		return nil, err
	}

	return Resolve(doc)
}
