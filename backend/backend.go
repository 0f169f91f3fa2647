// Package backend matches requests to backend targets via an ordered
// predicate table and dispatches them with retry and circuit breaking.
package backend

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ErrNoBackend is returned by Route when no predicate matches and no
// default backend is configured.
var ErrNoBackend = errors.New("no matching backend")

// Config declares one backend target. The matching conditions are
// compiled once at load time into the router's predicate table.
type Config struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`

	// Methods restricts the match to the listed methods, empty
	// matches every method.
	Methods []string `yaml:"methods"`

	// PathPrefix matches requests whose path starts with the
	// prefix.
	PathPrefix string `yaml:"path-prefix"`

	// PathRegexp matches requests whose path matches the
	// expression.
	PathRegexp string `yaml:"path-regexp"`
}

// Backend is a compiled backend descriptor.
type Backend struct {
	ID      string
	BaseURL *url.URL

	methods map[string]bool
	prefix  string
	rx      *regexp.Regexp
}

func compile(c Config) (*Backend, error) {
	if c.ID == "" {
		return nil, errors.New("backend without id")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: invalid url: %w", c.ID, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend %s: url must be absolute: %s", c.ID, c.URL)
	}

	b := &Backend{
		ID:      c.ID,
		BaseURL: u,
		prefix:  c.PathPrefix,
	}

	if len(c.Methods) > 0 {
		b.methods = make(map[string]bool)
		for _, m := range c.Methods {
			b.methods[strings.ToUpper(m)] = true
		}
	}

	if c.PathRegexp != "" {
		rx, err := regexp.Compile(c.PathRegexp)
		if err != nil {
			return nil, fmt.Errorf("backend %s: invalid path regexp: %w", c.ID, err)
		}
		b.rx = rx
	}

	return b, nil
}

func (b *Backend) match(req *http.Request) bool {
	if b.methods != nil && !b.methods[req.Method] {
		return false
	}

	if b.prefix != "" && !strings.HasPrefix(req.URL.Path, b.prefix) {
		return false
	}

	if b.rx != nil && !b.rx.MatchString(req.URL.Path) {
		return false
	}

	return true
}

// Router routes requests over an ordered predicate table, first match
// wins. Requests matching no predicate fall through to the default
// backend when one is configured.
type Router struct {
	table    []*Backend
	fallback *Backend
}

// NewRouter compiles the configured backends in declaration order.
// defaultID selects the fallback backend; empty means no fallback.
func NewRouter(configs []Config, defaultID string) (*Router, error) {
	r := &Router{}
	for _, c := range configs {
		b, err := compile(c)
		if err != nil {
			return nil, err
		}

		r.table = append(r.table, b)
		if defaultID != "" && b.ID == defaultID {
			r.fallback = b
		}
	}

	if defaultID != "" && r.fallback == nil {
		return nil, fmt.Errorf("default backend %s is not declared", defaultID)
	}

	return r, nil
}

// Route returns the first backend whose predicates match the request,
// the default backend when none matches, or ErrNoBackend.
func (r *Router) Route(req *http.Request) (*Backend, error) {
	for _, b := range r.table {
		if b.match(req) {
			return b, nil
		}
	}

	if r.fallback != nil {
		return r.fallback, nil
	}

	return nil, ErrNoBackend
}

// Backends returns the compiled table in declaration order.
func (r *Router) Backends() []*Backend {
	return r.table
}
