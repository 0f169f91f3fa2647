package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/net"
)

var (
	// ErrUnavailable is returned when the retries are exhausted
	// without a successful response from the backend.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrBreakerOpen is returned when the circuit breaker rejected
	// the dispatch: the backend received no call at all.
	ErrBreakerOpen = errors.New("circuit open")
)

const DefaultAttemptTimeout = 10 * time.Second

// RetrySettings governs retries of transient backend failures. A
// failure is transient when the response status is >= 500 or the
// transport failed. The delay before attempt n (zero based, counting
// retries) is Interval + n*Delta, capped at MaxInterval.
type RetrySettings struct {
	Count       int           `yaml:"count"`
	Interval    time.Duration `yaml:"interval"`
	Delta       time.Duration `yaml:"delta"`
	MaxInterval time.Duration `yaml:"max-interval"`
}

func (s RetrySettings) delay(attempt int) time.Duration {
	d := s.Interval + time.Duration(attempt)*s.Delta
	if s.MaxInterval > 0 && d > s.MaxInterval {
		d = s.MaxInterval
	}
	return d
}

// Metrics receives backend dispatch measurements. Satisfied by
// *metrics.Metrics.
type Metrics interface {
	MeasureBackend(backend string, d time.Duration, failed bool)
}

// Options to initialize a Proxy.
type Options struct {
	// Client dispatches the backend calls.
	Client *net.Client

	// Breakers holds the per-backend circuit breakers.
	Breakers *circuit.Registry

	// AttemptTimeout bounds a single dispatch attempt. Defaults to
	// DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// Metrics is optional.
	Metrics Metrics
}

// Proxy dispatches requests to a backend, gating every attempt
// through the backend's circuit breaker and retrying transient
// failures per the retry settings.
type Proxy struct {
	client         *net.Client
	breakers       *circuit.Registry
	attemptTimeout time.Duration
	metrics        Metrics
}

// NewProxy initializes a Proxy.
func NewProxy(o Options) *Proxy {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}

	return &Proxy{
		client:         o.Client,
		breakers:       o.Breakers,
		attemptTimeout: o.AttemptTimeout,
		metrics:        o.Metrics,
	}
}

func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		return p
	case p == "" || p == "/":
		return base
	default:
		return strings.TrimSuffix(base, "/") + p
	}
}

func (p *Proxy) outgoingRequest(ctx context.Context, b *Backend, in *http.Request, body []byte) (*http.Request, error) {
	target := *b.BaseURL
	target.Path = joinPath(b.BaseURL.Path, in.URL.Path)
	target.RawQuery = in.URL.RawQuery

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), rd)
	if err != nil {
		return nil, err
	}

	for name, values := range in.Header {
		if name == "Connection" || name == "Keep-Alive" {
			continue
		}
		req.Header[name] = values
	}

	if addr := in.RemoteAddr; addr != "" {
		host := addr
		if i := strings.LastIndexByte(addr, ':'); i > 0 {
			host = addr[:i]
		}
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		req.Header.Set("X-Forwarded-For", host)
	}

	return req, nil
}

// Dispatch sends the request to the backend. The incoming request is
// not consumed, the already buffered body is passed separately so
// retries can replay it. The returned response's body is open, the
// caller reads and closes it.
//
// Every attempt, including retries, is admitted individually by the
// backend's circuit breaker and counted against its failure
// accounting. Cancellation of ctx aborts the in-flight attempt and
// any remaining retries.
func (p *Proxy) Dispatch(ctx context.Context, b *Backend, in *http.Request, body []byte, retry RetrySettings, breakerSettings circuit.BreakerSettings) (*http.Response, error) {
	breakerSettings.Backend = b.ID
	breaker := p.breakers.Get(breakerSettings)

	var lastErr error
	for attempt := 0; ; attempt++ {
		done, ok := breaker.Allow()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, b.ID)
		}

		rsp, err := p.attempt(ctx, b, in, body)
		failed := err != nil || rsp.StatusCode >= http.StatusInternalServerError
		done(!failed)

		if !failed {
			return rsp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("backend %s responded %d", b.ID, rsp.StatusCode)
			// drain so the connection can be reused before the retry
			io.Copy(io.Discard, rsp.Body)
			rsp.Body.Close()
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt >= retry.Count {
			break
		}

		log.Debugf("retrying %s after failed attempt %d: %v", b.ID, attempt+1, lastErr)
		select {
		case <-time.After(retry.delay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, b.ID, lastErr)
}

func (p *Proxy) attempt(ctx context.Context, b *Backend, in *http.Request, body []byte) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)

	req, err := p.outgoingRequest(attemptCtx, b, in, body)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	rsp, err := p.client.Do(req)
	if p.metrics != nil {
		p.metrics.MeasureBackend(b.ID, time.Since(start), err != nil || (rsp != nil && rsp.StatusCode >= http.StatusInternalServerError))
	}

	if err != nil {
		cancel()
		return nil, err
	}

	// release the attempt context once the body is consumed
	rsp.Body = &cancelReadCloser{ReadCloser: rsp.Body, cancel: cancel}
	return rsp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
