package chain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ChainConfigVersion is the current version of the chain configuration.
	ChainConfigVersion = "1.0.0"

	// DefaultEnvPrefix prefixes the environment variables read by ApplyEnv.
	DefaultEnvPrefix = "CHAIN"
)

// TracingType selects the span exporter.
type TracingType string

const (
	// TracingTypeNoop records nothing.
	TracingTypeNoop TracingType = "noop"
	// TracingTypeOTLP exports over OTLP/gRPC.
	TracingTypeOTLP TracingType = "otlp"
	// TracingTypeZipkin exports to a Zipkin collector.
	TracingTypeZipkin TracingType = "zipkin"
)

// ChainTracingConfig holds the tracing configuration of a chain.
type ChainTracingConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Type     TracingType `yaml:"type"     validate:"omitempty,oneof=noop otlp zipkin"`
	Endpoint string      `yaml:"endpoint"` // host:port for otlp, collector URL for zipkin
	Insecure bool        `yaml:"insecure"`
	// SampleRatio is the fraction of runs traced. 0 means always sample.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// MetricsType selects the metrics backend.
type MetricsType string

const (
	// MetricsTypeNoop collects nothing.
	MetricsTypeNoop MetricsType = "noop"
	// MetricsTypePrometheus registers collectors on a Prometheus registry.
	MetricsTypePrometheus MetricsType = "prometheus"
	// MetricsTypeInfluxDB writes points to InfluxDB.
	MetricsTypeInfluxDB MetricsType = "influxdb"
	// MetricsTypeMongoDB inserts metric documents into MongoDB.
	MetricsTypeMongoDB MetricsType = "mongodb"
	// MetricsTypeLogging writes metrics to the chain logger.
	MetricsTypeLogging MetricsType = "logging"
)

// ChainMetricsConfig holds the metrics configuration of a chain.
type ChainMetricsConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Type      MetricsType `yaml:"type"      validate:"omitempty,oneof=noop prometheus influxdb mongodb logging"`
	Endpoint  string      `yaml:"endpoint"` // InfluxDB URL or MongoDB URI
	Namespace string      `yaml:"namespace"`
	// InfluxDB only.
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
	// MongoDB only.
	Database string `yaml:"database"`
}

// Executor names a stage builder registered in a Registry.
type Executor string

// RateLimitConfig throttles pushes into a stage's input queue.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"  validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"gte=1"`
}

// StageConfig holds the configuration of one stage.
type StageConfig struct {
	Name     string   `yaml:"name"     validate:"required"`
	Executor Executor `yaml:"executor" validate:"required"`
	// Threads is the worker pool size. 0 means 1.
	Threads int `yaml:"threads,omitempty" validate:"gte=0"`
	// QueueDepth is the capacity of the stage's input queue. Ignored for the
	// first stage; 0 selects DefaultQueueDepth.
	QueueDepth   int              `yaml:"queue_depth,omitempty"    validate:"gte=0"`
	LockOSThread bool             `yaml:"lock_os_thread,omitempty"`
	RateLimit    *RateLimitConfig `yaml:"rate_limit,omitempty"`
	// Properties are handed to the stage builder untouched.
	Properties map[string]any `yaml:"properties,omitempty"`
}

// DefaultQueueDepth is used for stages whose config leaves queue_depth at 0.
const DefaultQueueDepth = 16

// ChainConfig holds the parsed configuration of a chain.
type ChainConfig struct {
	Version    string             `yaml:"version"               validate:"required"`
	Name       string             `yaml:"chain_name"            validate:"required"`
	MaxWorkers int                `yaml:"max_workers,omitempty" validate:"gte=0"`
	Logging    LogConfig          `yaml:"logging,omitempty"`
	Tracing    ChainTracingConfig `yaml:"tracing,omitempty"`
	Metrics    ChainMetricsConfig `yaml:"metrics,omitempty"`
	Stages     []StageConfig      `yaml:"stages"                validate:"required,min=2,dive"`
}

// Validate checks the configuration for correctness using struct tags and
// rejects duplicate stage names.
func (cc *ChainConfig) Validate() error {
	validate := validator.New()

	if err := validate.Struct(cc); err != nil {
		return fmt.Errorf("chain configuration validation failed: %w", err)
	}

	seen := make(map[string]int, len(cc.Stages))
	for i, sc := range cc.Stages {
		if j, dup := seen[sc.Name]; dup {
			return NewChainConfigurationError(
				fmt.Sprintf("stage #%d and #%d share the name %q", j, i, sc.Name))
		}
		seen[sc.Name] = i
	}
	return nil
}

// EnvOverrides are the settings that can be overridden from the environment,
// e.g. CHAIN_LOG_LEVEL=debug with the default prefix.
type EnvOverrides struct {
	LogLevel        string `envconfig:"LOG_LEVEL"`
	LogDevelopment  *bool  `envconfig:"LOG_DEVELOPMENT"`
	MaxWorkers      *int   `envconfig:"MAX_WORKERS"`
	TracingEndpoint string `envconfig:"TRACING_ENDPOINT"`
	MetricsEndpoint string `envconfig:"METRICS_ENDPOINT"`
}

// ApplyEnv overlays the environment variables carrying prefix onto the
// configuration. Unset variables leave the configuration untouched.
func (cc *ChainConfig) ApplyEnv(prefix string) error {
	var env EnvOverrides
	if err := envconfig.Process(prefix, &env); err != nil {
		return fmt.Errorf("reading %s_* environment: %w", prefix, err)
	}

	if env.LogLevel != "" {
		cc.Logging.Level = env.LogLevel
	}
	if env.LogDevelopment != nil {
		cc.Logging.Development = *env.LogDevelopment
	}
	if env.MaxWorkers != nil {
		cc.MaxWorkers = *env.MaxWorkers
	}
	if env.TracingEndpoint != "" {
		cc.Tracing.Endpoint = env.TracingEndpoint
	}
	if env.MetricsEndpoint != "" {
		cc.Metrics.Endpoint = env.MetricsEndpoint
	}
	return nil
}

// LoadChainConfigFromYAML parses a chain configuration. Unknown keys are
// rejected. The result is not validated.
func LoadChainConfigFromYAML(data []byte) (*ChainConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg ChainConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewChainConfigurationError("empty configuration")
		}
		return nil, fmt.Errorf("failed to parse chain configuration: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = ChainConfigVersion
	}
	return &cfg, nil
}

// LoadChainConfigFromFile reads and parses a chain configuration file.
func LoadChainConfigFromFile(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain configuration %s: %w", path, err)
	}
	return LoadChainConfigFromYAML(data)
}
