// Package events delivers structured observability events emitted by
// the policy pipeline. Delivery is best-effort: an emitter must never
// block request processing, events are dropped when the sink cannot
// keep up.
package events

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Outcome of a stage or policy execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFault   Outcome = "fault"
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeSkipped Outcome = "skipped"
)

// Event describes one observed pipeline step.
type Event struct {
	Timestamp time.Time
	RequestID string
	Stage     string
	Policy    string
	Outcome   Outcome
	Duration  time.Duration
}

// Emitter receives pipeline events. Implementations must not block
// and must not influence control flow.
type Emitter interface {
	Emit(Event)
}

// Void discards every event.
type Void struct{}

func (Void) Emit(Event) {}

type multi []Emitter

func (m multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Multi fans an event out to every given emitter.
func Multi(emitters ...Emitter) Emitter {
	switch len(emitters) {
	case 0:
		return Void{}
	case 1:
		return emitters[0]
	default:
		return multi(emitters)
	}
}

const DefaultBufferSize = 1024

// LogEmitter writes events to the application log from a background
// goroutine. Emit never blocks: when the buffer is full, the event is
// dropped and the drop is counted. Drop warnings themselves are
// throttled so a saturated sink cannot flood the log.
type LogEmitter struct {
	ch      chan Event
	quit    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	warn    *rate.Limiter
}

// NewLog starts a LogEmitter with the given buffer size, zero meaning
// DefaultBufferSize.
func NewLog(bufferSize int) *LogEmitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	e := &LogEmitter{
		ch:   make(chan Event, bufferSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		warn: rate.NewLimiter(rate.Every(time.Minute), 1),
	}

	go e.run()
	return e
}

func (e *LogEmitter) run() {
	defer close(e.done)
	for {
		select {
		case ev := <-e.ch:
			log.WithFields(log.Fields{
				"requestId":  ev.RequestID,
				"stage":      ev.Stage,
				"policy":     ev.Policy,
				"outcome":    ev.Outcome,
				"durationMs": ev.Duration.Milliseconds(),
			}).Debug("pipeline event")
		case <-e.quit:
			return
		}
	}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		n := e.dropped.Add(1)
		if e.warn.Allow() {
			log.Warnf("event sink saturated, %d events dropped so far", n)
		}
	}
}

// Dropped returns the number of events dropped so far.
func (e *LogEmitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the background goroutine. Events emitted after Close
// are dropped.
func (e *LogEmitter) Close() {
	close(e.quit)
	<-e.done
}
