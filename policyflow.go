package policyflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/policyflow/policyflow/backend"
	"github.com/policyflow/policyflow/cache"
	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/logging"
	"github.com/policyflow/policyflow/metrics"
	"github.com/policyflow/policyflow/net"
	"github.com/policyflow/policyflow/pipeline"
	"github.com/policyflow/policyflow/policy"
	"github.com/policyflow/policyflow/ratelimit"
)

const (
	defaultCacheMaxEntries = 1 << 16
	defaultEventBuffer     = 1 << 10
)

// Options to start the gateway. The zero value of every field is a
// usable default except PolicyFile, which is required.
type Options struct {
	// Address to listen on. Defaults to :9090.
	Address string

	// SupportListener is the address of the metrics and health
	// endpoints. Empty disables the support listener.
	SupportListener string

	// PolicyFile is the path of the YAML policy document.
	PolicyFile string

	// Application log:
	ApplicationLogPrefix      string
	ApplicationLogJSONEnabled bool
	ApplicationLogLevel       log.Level

	// Access log:
	AccessLogDisabled    bool
	AccessLogJSONEnabled bool

	// PipelineTimeout bounds the total processing of one request.
	// Defaults to pipeline.DefaultTimeout.
	PipelineTimeout time.Duration

	// BackendAttemptTimeout bounds a single backend attempt.
	// Defaults to backend.DefaultAttemptTimeout.
	BackendAttemptTimeout time.Duration

	// Backend HTTP client:
	BackendTimeout             time.Duration
	BackendIdleConnTimeout     time.Duration
	BackendMaxIdleConns        int
	BackendMaxIdleConnsPerHost int
	BackendDisableKeepAlives   bool

	// CounterShards is the shard count of the rate limit counter
	// store.
	CounterShards int

	// CacheMaxEntries bounds the response cache.
	CacheMaxEntries int

	// EventBufferSize is the capacity of the event emitter's
	// buffer, events beyond it are dropped.
	EventBufferSize int

	// DefaultBreakerSettings fills unset fields of circuit-break
	// declarations.
	DefaultBreakerSettings circuit.BreakerSettings

	// DefaultRatelimitSettings fills unset fields of rate-limit and
	// quota declarations.
	DefaultRatelimitSettings ratelimit.Settings

	// EnablePrometheusMetrics turns on the prometheus backend and
	// the /metrics endpoint on the support listener.
	EnablePrometheusMetrics bool

	// MetricsPrefix overrides the metric namespace.
	MetricsPrefix string

	// HistogramBuckets overrides the default histogram buckets.
	HistogramBuckets []float64

	// OpenTracingTracer traces the pipeline. Defaults to the noop
	// tracer.
	OpenTracingTracer opentracing.Tracer

	// CustomPolicies are additional policy specs registered beside
	// the builtin ones.
	CustomPolicies []pipeline.Spec
}

func initLog(o Options) {
	logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	})
}

func loadPolicies(path string) (*policy.Resolved, error) {
	if path == "" {
		return nil, errors.New("no policy document specified")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy document: %w", err)
	}

	resolved, err := policy.Load(b)
	if err != nil {
		return nil, fmt.Errorf("loading policy document %s: %w", path, err)
	}

	return resolved, nil
}

func supportHandler(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	return mux
}

// Run starts the gateway and blocks until SIGTERM or SIGINT, then
// shuts down gracefully.
func Run(o Options) error {
	initLog(o)

	resolved, err := loadPolicies(o.PolicyFile)
	if err != nil {
		return err
	}

	if o.Address == "" {
		o.Address = ":9090"
	}
	if o.CacheMaxEntries <= 0 {
		o.CacheMaxEntries = defaultCacheMaxEntries
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaultEventBuffer
	}

	var m *metrics.Metrics
	if o.EnablePrometheusMetrics {
		m = metrics.New(metrics.Options{
			Prefix:           o.MetricsPrefix,
			HistogramBuckets: o.HistogramBuckets,
		})
	}

	var onBreakerChange circuit.StateChangeFunc
	if m != nil {
		onBreakerChange = m.IncBreakerTransition
	}

	client := net.NewClient(net.Options{
		Timeout:             o.BackendTimeout,
		IdleConnTimeout:     o.BackendIdleConnTimeout,
		MaxIdleConns:        o.BackendMaxIdleConns,
		MaxIdleConnsPerHost: o.BackendMaxIdleConnsPerHost,
		DisableKeepAlives:   o.BackendDisableKeepAlives,
	})
	defer client.Close()

	var proxyMetrics backend.Metrics
	if m != nil {
		proxyMetrics = m
	}

	rt := &pipeline.Runtime{
		Limits: ratelimit.NewRegistry(ratelimit.NewShardedStore(o.CounterShards), o.DefaultRatelimitSettings),
		Cache:  cache.New(cache.Options{MaxEntries: o.CacheMaxEntries}),
		Proxy: backend.NewProxy(backend.Options{
			Client:         client,
			Breakers:       circuit.NewRegistry(o.DefaultBreakerSettings, onBreakerChange),
			AttemptTimeout: o.BackendAttemptTimeout,
			Metrics:        proxyMetrics,
		}),
	}

	policies, err := pipeline.Build(resolved, pipeline.NewRegistry(rt, o.CustomPolicies...))
	if err != nil {
		return err
	}

	logEmitter := events.NewLog(o.EventBufferSize)
	defer logEmitter.Close()

	emitter := events.Emitter(logEmitter)
	if m != nil {
		emitter = events.Multi(logEmitter, m)
	}

	var pipelineMetrics pipeline.Metrics
	if m != nil {
		pipelineMetrics = m
	}

	executor := pipeline.New(pipeline.Options{
		Policies:          policies,
		Proxy:             rt.Proxy,
		Emitter:           emitter,
		Metrics:           pipelineMetrics,
		Tracer:            o.OpenTracingTracer,
		Timeout:           o.PipelineTimeout,
		AccessLogDisabled: o.AccessLogDisabled,
	})
	defer executor.Close()

	if o.SupportListener != "" {
		go func() {
			log.Infof("support listener on %s", o.SupportListener)
			if err := http.ListenAndServe(o.SupportListener, supportHandler(m)); err != nil {
				log.Errorf("support listener failed: %v", err)
			}
		}()
	}

	server := &http.Server{Addr: o.Address, Handler: executor}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigs
		log.Infof("received %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("listening on %s", o.Address)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}
