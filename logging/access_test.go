package logging

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"
)

func testRequest() *http.Request {
	r, _ := http.NewRequest("GET", "http://example.org/orders?page=2", nil)
	r.RequestURI = "/orders?page=2"
	r.RemoteAddr = "127.0.0.1:55123"
	r.Header.Set("User-Agent", "curl/8.0")
	return r
}

func TestAccessLogFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{AccessLogOutput: &buf})

	Access(&AccessEntry{
		Request:      testRequest(),
		StatusCode:   200,
		ResponseSize: 42,
		Duration:     3 * time.Millisecond,
		RequestTime:  time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC),
		Operation:    "GET /orders/*",
	})

	out := buf.String()
	for _, part := range []string{
		"127.0.0.1",
		`"GET /orders?page=2 HTTP/1.1"`,
		" 200 42 ",
		`"curl/8.0"`,
		"GET /orders/*",
	} {
		if !strings.Contains(out, part) {
			t.Errorf("missing %q in access log entry: %s", part, out)
		}
	}
}

func TestAccessLogDisabled(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{AccessLogOutput: &buf, AccessLogDisabled: true})
	accessLog = nil

	Access(&AccessEntry{Request: testRequest(), StatusCode: 200})
	if buf.Len() != 0 {
		t.Errorf("unexpected access log output: %s", buf.String())
	}
}
