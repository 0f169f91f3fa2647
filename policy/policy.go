package policy

import (
	"fmt"

	yaml "gopkg.in/yaml.v2"
)

// Stage is one of the four points in request processing where
// policies run.
type Stage int

const (
	StageInbound Stage = iota
	StageBackend
	StageOutbound
	StageOnError
)

var allStages = []Stage{StageInbound, StageBackend, StageOutbound, StageOnError}

func (s Stage) String() string {
	switch s {
	case StageInbound:
		return "inbound"
	case StageBackend:
		return "backend"
	case StageOutbound:
		return "outbound"
	case StageOnError:
		return "on-error"
	default:
		return "unknown"
	}
}

// KindBase is the inheritance marker, resolved away at load time.
const KindBase = "base"

// Declaration is one typed policy declaration: a kind and its named
// arguments, e.g. `rate-limit: {calls: 100, window: 60s}`.
type Declaration struct {
	Kind string
	Args map[string]interface{}
}

func (d Declaration) String() string {
	return d.Kind
}

// UnmarshalYAML expects a single-key mapping, the key being the
// policy kind and the value its arguments.
func (d *Declaration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var m map[string]map[interface{}]interface{}
	if err := unmarshal(&m); err != nil {
		return err
	}

	if len(m) != 1 {
		return fmt.Errorf("policy declaration must have exactly one kind, got %d", len(m))
	}

	for kind, args := range m {
		d.Kind = kind
		d.Args = make(map[string]interface{}, len(args))
		for k, v := range args {
			name, ok := k.(string)
			if !ok {
				return fmt.Errorf("%s: argument names must be strings, got %v", kind, k)
			}
			d.Args[name] = v
		}
	}

	return nil
}

// Stages holds the declarations of the four stage sections. A nil
// section is "not declared" and inherits the parent stage wholesale,
// distinct from an explicitly empty section.
type Stages struct {
	Inbound  []Declaration `yaml:"inbound"`
	Backend  []Declaration `yaml:"backend"`
	Outbound []Declaration `yaml:"outbound"`
	OnError  []Declaration `yaml:"on-error"`
}

func (s *Stages) get(stage Stage) []Declaration {
	switch stage {
	case StageInbound:
		return s.Inbound
	case StageBackend:
		return s.Backend
	case StageOutbound:
		return s.Outbound
	default:
		return s.OnError
	}
}

// OperationDoc declares the policies of one matched operation.
type OperationDoc struct {
	Method   string `yaml:"method"`
	Path     string `yaml:"path"`
	Policies Stages `yaml:"policies"`
}

// Document is a parsed policy document before resolution.
type Document struct {
	Operations []OperationDoc `yaml:"operations"`
	Global     Stages         `yaml:"global"`
}

// Parse reads a policy document from YAML.
func Parse(b []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy document: %w", err)
	}

	return &doc, nil
}
