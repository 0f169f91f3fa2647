package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// RemainingHeader carries the number of calls left in the
	// current window.
	RemainingHeader = "X-RateLimit-Remaining"

	// RetryAfterHeader tells the client how long to wait before
	// making a new request.
	RetryAfterHeader = "Retry-After"
)

// Type distinguishes the two consumers of the counter store. They
// share the mechanics, the quota tracker is tuned for long windows
// and typically keyed by subscription identity.
type Type int

const (
	NoLimit Type = iota
	RateLimit
	QuotaLimit
)

func (t Type) String() string {
	switch t {
	case RateLimit:
		return "ratelimit"
	case QuotaLimit:
		return "quota"
	default:
		return "none"
	}
}

// Lookuper selects the counter key for a request, for example the
// client address for per-client limits or the authenticated
// subscription for quotas.
type Lookuper interface {
	Lookup(*http.Request) string
}

// ClientLookuper keys by the requesting client: the first
// X-Forwarded-For entry when present, the remote address otherwise.
type ClientLookuper struct{}

func (ClientLookuper) Lookup(req *http.Request) string {
	if ff := req.Header.Get("X-Forwarded-For"); ff != "" {
		if i := strings.IndexByte(ff, ','); i >= 0 {
			return strings.TrimSpace(ff[:i])
		}
		return strings.TrimSpace(ff)
	}

	return stripPort(req.RemoteAddr)
}

// stripPort drops the ephemeral source port so that every connection
// from the same client counts against the same key.
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}

// HeaderLookuper keys by the value of a named request header.
type HeaderLookuper struct{ Name string }

func (h HeaderLookuper) Lookup(req *http.Request) string {
	return req.Header.Get(h.Name)
}

// SameBucketLookuper maps every request to the same counter.
type SameBucketLookuper struct{}

func (SameBucketLookuper) Lookup(*http.Request) string { return "s" }

// Settings configures a single limiter or quota tracker. Settings
// values are used as registry keys, equal settings share one limiter.
type Settings struct {
	Type       Type
	Group      string
	MaxHits    int
	TimeWindow time.Duration

	// Aligned makes window boundaries calendar-aligned (multiples
	// of TimeWindow in UTC) instead of rolling from the first
	// observed call.
	Aligned bool
}

func (s Settings) Empty() bool { return s == Settings{} }

func (to Settings) mergeSettings(from Settings) Settings {
	if to.Type == NoLimit {
		to.Type = from.Type
	}
	if to.MaxHits == 0 {
		to.MaxHits = from.MaxHits
	}
	if to.TimeWindow == 0 {
		to.TimeWindow = from.TimeWindow
	}
	return to
}

func (s Settings) String() string {
	if s.Type == NoLimit {
		return "none"
	}

	boundary := "rolling"
	if s.Aligned {
		boundary = "aligned"
	}

	return fmt.Sprintf("%s(group=%s,max-hits=%d,time-window=%s,boundary=%s)",
		s.Type, s.Group, s.MaxHits, s.TimeWindow, boundary)
}

// Result of a limiter check. A denied result is a decision, not an
// error: the pipeline turns it into a 429 (or 403 for quotas so
// configured) with RemainingHeader and RetryAfterHeader set.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds,
// at least 1, the way the Retry-After response header expects it.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 1
	}

	s := int(math.Ceil(r.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}

	return s
}

// Ratelimit enforces "MaxHits calls per TimeWindow per key" on top of
// a CounterStore. The same type serves both rate limits and quotas,
// the settings decide window length and boundary alignment.
type Ratelimit struct {
	settings Settings
	store    CounterStore
	now      func() time.Time
	warnOnce sync.Once
}

// New creates a limiter for the given settings on the given store.
func New(s Settings, store CounterStore) *Ratelimit {
	return &Ratelimit{
		settings: s,
		store:    store,
		now:      time.Now,
	}
}

// WithClock replaces the limiter's time source, for tests.
func (l *Ratelimit) WithClock(now func() time.Time) *Ratelimit {
	l.now = now
	return l
}

func (l *Ratelimit) storeKey(key string) string {
	return l.settings.Group + "." + key
}

// Check records one call for key and reports whether it is allowed,
// how many calls remain in the current window and how long until the
// next window starts. A zero or negative MaxHits rejects every call;
// a zero or negative TimeWindow allows every call and is reported
// once as a configuration error.
func (l *Ratelimit) Check(key string) Result {
	if l == nil {
		return Result{Allowed: true}
	}

	s := l.settings
	if s.TimeWindow <= 0 {
		l.warnOnce.Do(func() {
			log.Errorf("%s has a non-positive time window, allowing all calls", s)
		})
		return Result{Allowed: true, Remaining: s.MaxHits}
	}

	now := l.now()
	if s.MaxHits <= 0 {
		return Result{RetryAfter: s.TimeWindow}
	}

	count, start := l.store.Incr(l.storeKey(key), now, s.TimeWindow, s.Aligned)
	retryAfter := start.Add(s.TimeWindow).Sub(now)

	if count > s.MaxHits {
		return Result{RetryAfter: retryAfter}
	}

	return Result{
		Allowed:    true,
		Remaining:  s.MaxHits - count,
		RetryAfter: retryAfter,
	}
}
