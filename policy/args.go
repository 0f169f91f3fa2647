package policy

import (
	"fmt"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Args provides converting access to the named arguments of a policy
// declaration. Conversion errors accumulate, Err returns the first
// one together with the unknown argument check.
type Args struct {
	kind string
	args map[string]interface{}
	used map[string]bool
	errs []error
}

// NewArgs wraps the arguments of a declaration.
func NewArgs(d Declaration) *Args {
	return &Args{kind: d.Kind, args: d.Args, used: make(map[string]bool)}
}

func (a *Args) error(err error) {
	a.errs = append(a.errs, fmt.Errorf("%s: %w", a.kind, err))
}

func (a *Args) get(name string) (interface{}, bool) {
	a.used[name] = true
	v, ok := a.args[name]
	return v, ok
}

// Err returns the first accumulated error, including declared
// arguments that no accessor consumed.
func (a *Args) Err() error {
	for name := range a.args {
		if !a.used[name] {
			a.errs = append(a.errs, fmt.Errorf("%s: unknown argument %q", a.kind, name))
		}
		a.used[name] = true
	}

	if len(a.errs) > 0 {
		return a.errs[0]
	}

	return nil
}

func (a *Args) String(name, def string) string {
	v, ok := a.get(name)
	if !ok {
		return def
	}

	s, ok := v.(string)
	if !ok {
		a.error(fmt.Errorf("%s: %v is not a string", name, v))
		return def
	}

	return s
}

func (a *Args) Int(name string, def int) int {
	v, ok := a.get(name)
	if !ok {
		return def
	}

	switch i := v.(type) {
	case int:
		return i
	case float64:
		if float64(int(i)) == i {
			return int(i)
		}
	}

	a.error(fmt.Errorf("%s: %v is not an integer", name, v))
	return def
}

func (a *Args) Bool(name string, def bool) bool {
	v, ok := a.get(name)
	if !ok {
		return def
	}

	b, ok := v.(bool)
	if !ok {
		a.error(fmt.Errorf("%s: %v is not a boolean", name, v))
		return def
	}

	return b
}

func (a *Args) Duration(name string, def time.Duration) time.Duration {
	v, ok := a.get(name)
	if !ok {
		return def
	}

	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			a.error(fmt.Errorf("%s: %w", name, err))
			return def
		}
		if parsed < 0 {
			a.error(fmt.Errorf("%s: negative duration %v", name, parsed))
			return def
		}
		return parsed
	case int:
		// bare numbers are seconds
		return time.Duration(d) * time.Second
	}

	a.error(fmt.Errorf("%s: %v is not a duration", name, v))
	return def
}

func (a *Args) Strings(name string) []string {
	v, ok := a.get(name)
	if !ok {
		return nil
	}

	vs, ok := v.([]interface{})
	if !ok {
		a.error(fmt.Errorf("%s: %v is not a list", name, v))
		return nil
	}

	result := make([]string, 0, len(vs))
	for _, x := range vs {
		s, ok := x.(string)
		if !ok {
			a.error(fmt.Errorf("%s: %v is not a string", name, x))
			return nil
		}
		result = append(result, s)
	}

	return result
}

// Decode re-decodes the value of a structured argument into target,
// for arguments carrying nested declarations like backend tables.
func (a *Args) Decode(name string, target interface{}) bool {
	v, ok := a.get(name)
	if !ok {
		return false
	}

	b, err := yaml.Marshal(v)
	if err != nil {
		a.error(fmt.Errorf("%s: %w", name, err))
		return false
	}

	if err := yaml.Unmarshal(b, target); err != nil {
		a.error(fmt.Errorf("%s: %w", name, err))
		return false
	}

	return true
}
