package circuit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	DefaultFailures = 5
	DefaultCooldown = 30 * time.Second
)

// State of a breaker as observed by the router before dispatch.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerSettings configures the breaker of one backend. Zero values
// are filled up from the registry defaults.
type BreakerSettings struct {
	// Backend identifies the protected backend.
	Backend string `yaml:"backend"`

	// Failures is the consecutive failure threshold that opens the
	// circuit.
	Failures int `yaml:"failures"`

	// Cooldown is how long the circuit stays open before admitting
	// the half-open trial request.
	Cooldown time.Duration `yaml:"cooldown"`

	// Disabled turns the breaker off: every call is admitted.
	Disabled bool `yaml:"disabled"`
}

func (to BreakerSettings) mergeSettings(from BreakerSettings) BreakerSettings {
	if to.Failures == 0 {
		to.Failures = from.Failures
	}
	if to.Cooldown == 0 {
		to.Cooldown = from.Cooldown
	}
	return to
}

func (s BreakerSettings) String() string {
	if s.Disabled {
		return "disabled"
	}

	ss := []string{"type=consecutive"}
	if s.Backend != "" {
		ss = append(ss, "backend="+s.Backend)
	}
	if s.Failures > 0 {
		ss = append(ss, "failures="+strconv.Itoa(s.Failures))
	}
	if s.Cooldown > 0 {
		ss = append(ss, "cooldown="+s.Cooldown.String())
	}

	return strings.Join(ss, ",")
}

// Breaker is the circuit breaker of a single backend.
type Breaker struct {
	settings BreakerSettings
	gb       *gobreaker.TwoStepCircuitBreaker
}

// StateChangeFunc is notified on every breaker transition, e.g. for
// metrics. It must not block.
type StateChangeFunc func(backend string, from, to State)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

func newBreaker(s BreakerSettings, onChange StateChangeFunc) *Breaker {
	b := &Breaker{settings: s}

	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: s.Backend,

		// exactly one trial request while half-open
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: b.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("circuit breaker %v went from %v to %v", name, from.String(), to.String())
			if onChange != nil {
				onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})

	return b
}

func (b *Breaker) readyToTrip(c gobreaker.Counts) bool {
	return int(c.ConsecutiveFailures) >= b.settings.Failures
}

// Allow reports whether a call to the backend may be dispatched and
// returns a callback for reporting the outcome. The callback expects
// true when the call succeeded. There is no callback when the call is
// not admitted.
func (b *Breaker) Allow() (func(bool), bool) {
	if b == nil || b.settings.Disabled {
		return func(bool) {}, true
	}

	done, err := b.gb.Allow()

	// the error can only indicate that the breaker is not closed
	if err != nil {
		return nil, false
	}

	return done, true
}

// State returns the current state of the breaker.
func (b *Breaker) State() State {
	if b == nil || b.settings.Disabled {
		return Closed
	}

	return fromGobreaker(b.gb.State())
}

func (b *Breaker) String() string {
	return fmt.Sprintf("breaker(%s)", b.settings)
}
