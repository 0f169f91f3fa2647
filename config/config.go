package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/policyflow/policyflow"
	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/ratelimit"
)

// Config holds the command line flags of the gateway. Every flag can
// also be set in a YAML config file, the command line takes
// precedence.
type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	Address         string `yaml:"address"`
	SupportListener string `yaml:"support-listener"`
	PolicyFile      string `yaml:"policy-file"`

	// logging:
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogLevel       log.Level `yaml:"-"`
	AccessLogDisabled         bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool      `yaml:"access-log-json-enabled"`

	// timeouts:
	PipelineTimeout       time.Duration `yaml:"pipeline-timeout"`
	BackendTimeout        time.Duration `yaml:"backend-timeout"`
	BackendAttemptTimeout time.Duration `yaml:"backend-attempt-timeout"`

	// backend client:
	BackendIdleConnTimeout     time.Duration `yaml:"backend-idle-conn-timeout"`
	BackendMaxIdleConns        int           `yaml:"backend-max-idle-conns"`
	BackendMaxIdleConnsPerHost int           `yaml:"backend-max-idle-conns-per-host"`
	BackendDisableKeepAlives   bool          `yaml:"backend-disable-keep-alives"`

	// shared state:
	CounterShards   int `yaml:"counter-shards"`
	CacheMaxEntries int `yaml:"cache-max-entries"`
	EventBufferSize int `yaml:"event-buffer-size"`

	// policy defaults:
	DefaultBreaker         *circuit.BreakerSettings `yaml:"default-breaker"`
	DefaultRatelimitCalls  int                      `yaml:"default-ratelimit-calls"`
	DefaultRatelimitWindow time.Duration            `yaml:"default-ratelimit-window"`

	// metrics:
	EnablePrometheusMetrics bool      `yaml:"enable-prometheus-metrics"`
	MetricsPrefix           string    `yaml:"metrics-prefix"`
	HistogramBucketsString  string    `yaml:"histogram-buckets"`
	HistogramBuckets        []float64 `yaml:"-"`
}

func NewConfig() *Config {
	cfg := new(Config)

	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values in the file (yaml)")

	flags.StringVar(&cfg.Address, "address", ":9090", "network address to listen on")
	flags.StringVar(&cfg.SupportListener, "support-listener", ":9911", "network address of the /metrics and /healthz endpoints, empty disables it")
	flags.StringVar(&cfg.PolicyFile, "policy-file", "", "path of the YAML policy document, required")

	flags.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix of the application log entries")
	flags.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "write the application log in JSON format")
	flags.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level of the application log")
	flags.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "disable the access log")
	flags.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "write the access log in JSON format")

	flags.DurationVar(&cfg.PipelineTimeout, "pipeline-timeout", 0, "total processing deadline per request, 0 for the built-in default")
	flags.DurationVar(&cfg.BackendTimeout, "backend-timeout", 0, "default timeout of the backend HTTP client")
	flags.DurationVar(&cfg.BackendAttemptTimeout, "backend-attempt-timeout", 0, "deadline of a single backend attempt, 0 for the built-in default")

	flags.DurationVar(&cfg.BackendIdleConnTimeout, "backend-idle-conn-timeout", 0, "idle connection timeout of the backend client")
	flags.IntVar(&cfg.BackendMaxIdleConns, "backend-max-idle-conns", 0, "max idle connections of the backend client")
	flags.IntVar(&cfg.BackendMaxIdleConnsPerHost, "backend-max-idle-conns-per-host", 0, "max idle connections per backend host")
	flags.BoolVar(&cfg.BackendDisableKeepAlives, "backend-disable-keep-alives", false, "disable keep-alives to the backends")

	flags.IntVar(&cfg.CounterShards, "counter-shards", 0, "shard count of the rate limit counter store, 0 for the built-in default")
	flags.IntVar(&cfg.CacheMaxEntries, "cache-max-entries", 0, "max entries of the response cache, 0 for the built-in default")
	flags.IntVar(&cfg.EventBufferSize, "event-buffer-size", 0, "buffer size of the event emitter, 0 for the built-in default")

	flags.Var(yamlValue[circuit.BreakerSettings]{&cfg.DefaultBreaker}, "default-breaker", "default circuit breaker settings as yaml, e.g. {failures: 5, cooldown: 30s}")
	flags.IntVar(&cfg.DefaultRatelimitCalls, "default-ratelimit-calls", 0, "default call budget of rate-limit and quota policies")
	flags.DurationVar(&cfg.DefaultRatelimitWindow, "default-ratelimit-window", 0, "default window of rate-limit and quota policies")

	flags.BoolVar(&cfg.EnablePrometheusMetrics, "enable-prometheus-metrics", false, "expose prometheus metrics on the support listener")
	flags.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "", "prefix of the exposed metric names")
	flags.StringVar(&cfg.HistogramBucketsString, "histogram-buckets", "", "comma separated duration histogram buckets in seconds")

	cfg.Flags = flags
	return cfg
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	if err := c.Flags.Parse(args); err != nil {
		return err
	}

	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		b, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		if err := yaml.UnmarshalStrict(b, c); err != nil {
			return fmt.Errorf("unmarshalling config file: %w", err)
		}

		// command line wins over the file
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}

	level, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return fmt.Errorf("invalid application log level: %w", err)
	}
	c.ApplicationLogLevel = level

	buckets, err := parseHistogramBuckets(c.HistogramBucketsString)
	if err != nil {
		return err
	}
	c.HistogramBuckets = buckets

	return nil
}

func parseHistogramBuckets(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}

	var buckets []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid histogram bucket: %w", err)
		}
		buckets = append(buckets, v)
	}
	return buckets, nil
}

// ToOptions converts the parsed flags to run options.
func (c *Config) ToOptions() policyflow.Options {
	o := policyflow.Options{
		Address:         c.Address,
		SupportListener: c.SupportListener,
		PolicyFile:      c.PolicyFile,

		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,

		PipelineTimeout:       c.PipelineTimeout,
		BackendAttemptTimeout: c.BackendAttemptTimeout,

		BackendTimeout:             c.BackendTimeout,
		BackendIdleConnTimeout:     c.BackendIdleConnTimeout,
		BackendMaxIdleConns:        c.BackendMaxIdleConns,
		BackendMaxIdleConnsPerHost: c.BackendMaxIdleConnsPerHost,
		BackendDisableKeepAlives:   c.BackendDisableKeepAlives,

		CounterShards:   c.CounterShards,
		CacheMaxEntries: c.CacheMaxEntries,
		EventBufferSize: c.EventBufferSize,

		DefaultRatelimitSettings: ratelimit.Settings{
			MaxHits:    c.DefaultRatelimitCalls,
			TimeWindow: c.DefaultRatelimitWindow,
		},

		EnablePrometheusMetrics: c.EnablePrometheusMetrics,
		MetricsPrefix:           c.MetricsPrefix,
		HistogramBuckets:        c.HistogramBuckets,
	}

	if c.DefaultBreaker != nil {
		o.DefaultBreakerSettings = *c.DefaultBreaker
	}

	return o
}

// yamlValue parses a structured flag value given as inline yaml on
// the command line, e.g. -default-breaker='{failures: 5, cooldown: 30s}'.
// In the config file the same field is a regular mapping and decodes
// through its yaml tag.
type yamlValue[T any] struct {
	target **T
}

func (v yamlValue[T]) Set(s string) error {
	var parsed T
	if err := yaml.Unmarshal([]byte(s), &parsed); err != nil {
		return fmt.Errorf("invalid yaml value: %w", err)
	}

	*v.target = &parsed
	return nil
}

func (v yamlValue[T]) String() string {
	if v.target == nil || *v.target == nil {
		return ""
	}

	b, err := yaml.Marshal(*v.target)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}
