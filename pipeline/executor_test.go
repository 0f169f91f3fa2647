package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyflow/policyflow/auth"
	"github.com/policyflow/policyflow/backend"
	"github.com/policyflow/policyflow/cache"
	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/net"
	"github.com/policyflow/policyflow/policy"
	"github.com/policyflow/policyflow/ratelimit"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) byPolicy(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []events.Event
	for _, e := range r.events {
		if e.Policy == name {
			matched = append(matched, e)
		}
	}
	return matched
}

type stubValidator struct {
	err      error
	identity *auth.Identity
	calls    int32
}

func (v *stubValidator) Validate(token string, rules []auth.ClaimRule) (*auth.Identity, error) {
	atomic.AddInt32(&v.calls, 1)
	if v.err != nil {
		return nil, v.err
	}
	return v.identity, nil
}

func (v *stubValidator) Close() {}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cli := net.NewClient(net.Options{Timeout: time.Second})
	t.Cleanup(cli.Close)

	return &Runtime{
		Limits: ratelimit.NewRegistry(ratelimit.NewShardedStore(0), ratelimit.Settings{}),
		Cache:  cache.New(cache.Options{MaxEntries: 128}),
		Proxy: backend.NewProxy(backend.Options{
			Client:         cli,
			Breakers:       circuit.NewRegistry(circuit.BreakerSettings{}, nil),
			AttemptTimeout: time.Second,
		}),
	}
}

func newTestExecutor(t *testing.T, doc string, rt *Runtime, o Options, extra ...Spec) *Executor {
	t.Helper()

	resolved, err := policy.Load([]byte(doc))
	require.NoError(t, err)

	ps, err := Build(resolved, NewRegistry(rt, extra...))
	require.NoError(t, err)

	o.Policies = ps
	o.Proxy = rt.Proxy
	o.AccessLogDisabled = true
	e := New(o)
	t.Cleanup(e.Close)
	return e
}

func routeDoc(backendURL, extraStages string) string {
	return fmt.Sprintf(`
global:
  backend:
    - route:
        backends:
          - {id: test, url: %s}
        default: test
%s`, backendURL, extraStages)
}

func TestProxiesToBackend(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("payload"))
	}))
	defer s.Close()

	e := newTestExecutor(t, routeDoc(s.URL, ""), newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/orders/1", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "payload", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Backend"))
}

func TestRespondServesWithoutBackend(t *testing.T) {
	var backendCalls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
	}))
	defer s.Close()

	doc := fmt.Sprintf(`
operations:
  - method: GET
    path: /healthz
    policies:
      inbound:
        - respond: {status: 200, body: OK}
      backend: []
global:
  backend:
    - route:
        backends:
          - {id: test, url: %s}
        default: test
`, s.URL)

	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Zero(t, atomic.LoadInt32(&backendCalls))
}

func TestRateLimitDenies(t *testing.T) {
	var backendCalls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - rate-limit: {calls: 2, window: 1m}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(ratelimit.RemainingHeader))
	assert.NotEmpty(t, w.Header().Get(ratelimit.RetryAfterHeader))
	assert.JSONEq(t, `{"code": "rate-limit", "message": "rate limit exceeded"}`, w.Body.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&backendCalls), "denied request must not reach the backend")
}

func TestRemainingHeaderReportsTightestLimit(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	for name, stages := range map[string]string{
		"quota last": `  inbound:
    - rate-limit: {calls: 10, window: 1m}
    - quota: {calls: 3, window: 24h}
`,
		"quota first": `  inbound:
    - quota: {calls: 3, window: 24h}
    - rate-limit: {calls: 10, window: 1m}
`,
	} {
		t.Run(name, func(t *testing.T) {
			e := newTestExecutor(t, routeDoc(s.URL, stages), newTestRuntime(t), Options{})

			w := httptest.NewRecorder()
			e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "2", w.Header().Get(ratelimit.RemainingHeader),
				"declaration order must not change the reported remaining count")
		})
	}
}

func TestRateLimitByIPCountsAcrossConnections(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - rate-limit: {calls: 1, window: 1m, key: ip}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	first := httptest.NewRequest("GET", "/x", nil)
	first.RemoteAddr = "10.1.2.3:40001"
	w := httptest.NewRecorder()
	e.ServeHTTP(w, first)
	require.Equal(t, http.StatusOK, w.Code)

	second := httptest.NewRequest("GET", "/x", nil)
	second.RemoteAddr = "10.1.2.3:40002"
	w = httptest.NewRecorder()
	e.ServeHTTP(w, second)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "a new connection from the same client must hit the same counter")

	other := httptest.NewRequest("GET", "/x", nil)
	other.RemoteAddr = "10.9.9.9:40001"
	w = httptest.NewRecorder()
	e.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuotaStatusConfigurable(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - quota: {calls: 1, window: 24h, align: calendar, status: 403}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"code": "quota", "message": "quota exceeded"}`, w.Body.String())
}

func TestExpiredTokenShortCircuits(t *testing.T) {
	var backendCalls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
	}))
	defer s.Close()

	rt := newTestRuntime(t)
	v := &stubValidator{err: &auth.Error{Kind: auth.Expired}}
	rt.NewValidator = func(auth.Options) (TokenValidator, error) { return v, nil }

	doc := routeDoc(s.URL, `  inbound:
    - authenticate: {keyset-url: https://keys.example.org/jwks.json}
`)
	emitter := &recordingEmitter{}
	e := newTestExecutor(t, doc, rt, Options{Emitter: emitter})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer expired")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"code": "authentication", "message": "authentication failed"}`, w.Body.String())
	assert.Zero(t, atomic.LoadInt32(&backendCalls))
	assert.Empty(t, emitter.byPolicy("dispatch"), "rejected request must not produce a dispatch event")

	denied := emitter.byPolicy("authenticate")
	require.Len(t, denied, 1)
	assert.Equal(t, events.OutcomeDenied, denied[0].Outcome)
}

func TestAuthenticatedIdentityKeysQuota(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	rt := newTestRuntime(t)
	v := &stubValidator{identity: &auth.Identity{Subject: "alice", SubscriptionKey: "sub-1"}}
	rt.NewValidator = func(auth.Options) (TokenValidator, error) { return v, nil }

	doc := routeDoc(s.URL, `  inbound:
    - authenticate: {keyset-url: https://keys.example.org/jwks.json}
    - quota: {calls: 1, window: 24h, align: rolling}
`)
	e := newTestExecutor(t, doc, rt, Options{})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("Authorization", "Bearer t")
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, http.StatusTooManyRequests, send().Code)
}

func TestCacheServesSecondRequest(t *testing.T) {
	var backendCalls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
		w.Write([]byte("cached payload"))
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - cache-lookup: {}
  outbound:
    - cache-store: {ttl: 1m}
`)
	emitter := &recordingEmitter{}
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{Emitter: emitter})

	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest("GET", "/orders", nil))
	second := httptest.NewRecorder()
	e.ServeHTTP(second, httptest.NewRequest("GET", "/orders", nil))

	assert.Equal(t, int32(1), atomic.LoadInt32(&backendCalls))
	assert.Equal(t, first.Body.String(), second.Body.String())

	lookups := emitter.byPolicy("cache-lookup")
	require.Len(t, lookups, 2)
	assert.Equal(t, events.OutcomeMiss, lookups[0].Outcome)
	assert.Equal(t, events.OutcomeHit, lookups[1].Outcome)
}

func TestCacheVaryByQuery(t *testing.T) {
	var backendCalls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
		w.Write([]byte("page " + r.URL.Query().Get("page")))
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - cache-lookup: {vary-by-query: [page]}
  outbound:
    - cache-store: {ttl: 1m}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	send := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
		return w
	}

	assert.Equal(t, "page 1", send("/orders?page=1").Body.String())
	assert.Equal(t, "page 2", send("/orders?page=2").Body.String())
	assert.Equal(t, "page 1", send("/orders?page=1").Body.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&backendCalls))
}

func TestCacheSingleFlight(t *testing.T) {
	const n = 10

	var backendCalls int32
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
		<-release
		w.Write([]byte("coalesced"))
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - cache-lookup: {}
  outbound:
    - cache-store: {ttl: 1m}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			e.ServeHTTP(w, httptest.NewRequest("GET", "/orders", nil))
			codes[i] = w.Code
		}(i)
	}

	// let the requests pile up on the in-flight fetch
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&backendCalls), "concurrent identical misses must coalesce")
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestFaultRunsOnError(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s.Close() // backend gone, dispatch fails

	doc := routeDoc(s.URL, `  on-error:
    - trace: {message: backend failed}
    - set-header: {name: X-Handled, value: on-error}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "on-error", w.Header().Get("X-Handled"))
	assert.JSONEq(t, `{"code": "backend-unavailable", "message": "backend unavailable"}`, w.Body.String())
}

func TestOpenCircuitMapsToServiceUnavailable(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s.Close() // backend gone, dispatch fails

	doc := fmt.Sprintf(`
global:
  backend:
    - route:
        backends:
          - {id: test, url: %s}
        default: test
    - circuit-break: {failures: 1, cooldown: 1h}
`, s.URL)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	require.Equal(t, http.StatusBadGateway, w.Code, "transport failure is 502")

	// the failure opened the circuit, the rejection is 503
	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type failingSpec struct{}

func (failingSpec) Name() string { return "fail" }

func (failingSpec) Create(policy.Stage, policy.Declaration) (Policy, error) {
	return failingPolicy{}, nil
}

type failingPolicy struct{}

func (failingPolicy) Name() string          { return "fail" }
func (failingPolicy) Execute(*Context) error { return errors.New("boom") }

func TestOnErrorFaultIsFatal(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s.Close()

	doc := routeDoc(s.URL, `  on-error:
    - set-header: {name: X-Handled, value: on-error}
    - fail: {}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{}, failingSpec{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code": "internal", "message": "internal error"}`, w.Body.String())
}

func TestInheritedOnErrorMatchesParent(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s.Close()

	withMarker := routeDoc(s.URL, `  on-error:
    - set-header: {name: X-Handled, value: parent}
`) + `
operations:
  - method: GET
    path: /orders
    policies:
      on-error:
        - base: {}
`
	parentOnly := routeDoc(s.URL, `  on-error:
    - set-header: {name: X-Handled, value: parent}
`)

	responses := make([]*httptest.ResponseRecorder, 0, 2)
	for _, doc := range []string{withMarker, parentOnly} {
		e := newTestExecutor(t, doc, newTestRuntime(t), Options{})
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest("GET", "/orders", nil))
		responses = append(responses, w)
	}

	assert.Equal(t, responses[1].Code, responses[0].Code)
	assert.Equal(t, responses[1].Header().Get("X-Handled"), responses[0].Header().Get("X-Handled"))
	assert.Equal(t, responses[1].Body.String(), responses[0].Body.String())
}

func TestOperationPrecedence(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from backend"))
	}))
	defer s.Close()

	doc := fmt.Sprintf(`
operations:
  - method: GET
    path: /orders/special
    policies:
      inbound:
        - respond: {status: 418}
      backend: []
  - method: GET
    path: /orders/*
    policies: {}
global:
  backend:
    - route:
        backends:
          - {id: test, url: %s}
        default: test
`, s.URL)

	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/orders/special", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/orders/1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from backend", w.Body.String())
}

func TestNoBackendConfigured(t *testing.T) {
	doc := `
global:
  inbound:
    - set-header: {name: X-Seen, value: inbound}
`
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"code": "routing", "message": "no matching backend"}`, w.Body.String())
}

func TestTimeoutMapsToGatewayTimeout(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer s.Close()

	e := newTestExecutor(t, routeDoc(s.URL, ""), newTestRuntime(t), Options{Timeout: 50 * time.Millisecond})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.JSONEq(t, `{"code": "timeout", "message": "upstream timeout"}`, w.Body.String())
}

func TestOutboundDecoratesResponse(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  outbound:
    - transform: {find: world, replace: gateway}
    - set-header: {name: X-Gateway, value: policyflow}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, "hello gateway", w.Body.String())
	assert.Equal(t, "policyflow", w.Header().Get("X-Gateway"))
}

func TestInboundTransformRewritesRequestBody(t *testing.T) {
	var received []byte
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - transform: {find: internal, replace: external}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader("internal id")))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "external id", string(received))
}

func TestCORSPreflight(t *testing.T) {
	var backendCalls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
	}))
	defer s.Close()

	doc := routeDoc(s.URL, `  inbound:
    - cors: {allowed-origins: [https://app.example.org], max-age: 10m}
  outbound:
    - cors: {allowed-origins: [https://app.example.org]}
`)
	e := newTestExecutor(t, doc, newTestRuntime(t), Options{})

	req := httptest.NewRequest("OPTIONS", "/x", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
	assert.Zero(t, atomic.LoadInt32(&backendCalls), "preflight must not reach the backend")

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Origin", "https://app.example.org")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStageEventsEmitted(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	emitter := &recordingEmitter{}
	e := newTestExecutor(t, routeDoc(s.URL, ""), newTestRuntime(t), Options{Emitter: emitter})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stages []string
	emitter.mu.Lock()
	for _, ev := range emitter.events {
		if ev.Policy == "" {
			stages = append(stages, ev.Stage)
			assert.Equal(t, events.OutcomeSuccess, ev.Outcome)
			assert.NotEmpty(t, ev.RequestID)
		}
	}
	emitter.mu.Unlock()

	assert.Equal(t, []string{"inbound", "backend", "outbound"}, stages)
}
