// Package net provides the HTTP client used for backend dispatch and
// key set polling, with sane timeout defaults.
package net

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// Options are mostly passed to the http.Transport of the same name.
// Options.Timeout is used as the default for all timeouts that are
// not set explicitly.
type Options struct {
	// Timeout sets all timeouts that are set to 0 to the given
	// value. Basically it's the default timeout value.
	Timeout time.Duration

	// TLSHandshakeTimeout see https://golang.org/pkg/net/http/#Transport.TLSHandshakeTimeout,
	// if not set or set to 0, it's using Options.Timeout.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout see https://golang.org/pkg/net/http/#Transport.ResponseHeaderTimeout,
	// if not set or set to 0, it's using Options.Timeout.
	ResponseHeaderTimeout time.Duration

	// IdleConnTimeout see https://golang.org/pkg/net/http/#Transport.IdleConnTimeout,
	// if not set or set to 0, it's using Options.Timeout.
	IdleConnTimeout time.Duration

	// MaxIdleConns see https://golang.org/pkg/net/http/#Transport.MaxIdleConns
	MaxIdleConns int

	// MaxIdleConnsPerHost see https://golang.org/pkg/net/http/#Transport.MaxIdleConnsPerHost
	MaxIdleConnsPerHost int

	// DisableKeepAlives see https://golang.org/pkg/net/http/#Transport.DisableKeepAlives
	DisableKeepAlives bool
}

// Client is a wrapped http.Client with the transport configured from
// Options. Per-request deadlines are the caller's responsibility,
// passed through the request context.
type Client struct {
	client http.Client
	tr     *http.Transport
	quit   chan struct{}
}

// NewClient creates a Client.
func NewClient(o Options) *Client {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.TLSHandshakeTimeout == 0 {
		o.TLSHandshakeTimeout = o.Timeout
	}
	if o.ResponseHeaderTimeout == 0 {
		o.ResponseHeaderTimeout = o.Timeout
	}
	if o.IdleConnTimeout == 0 {
		o.IdleConnTimeout = o.Timeout
	}

	tr := &http.Transport{
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		IdleConnTimeout:       o.IdleConnTimeout,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		DisableKeepAlives:     o.DisableKeepAlives,
	}

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-time.After(o.IdleConnTimeout):
				tr.CloseIdleConnections()
			case <-quit:
				tr.CloseIdleConnections()
				return
			}
		}
	}()

	return &Client{
		client: http.Client{Transport: tr},
		tr:     tr,
		quit:   quit,
	}
}

// Do executes the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Close closes idle connections and stops the housekeeping goroutine.
func (c *Client) Close() {
	close(c.quit)
}
