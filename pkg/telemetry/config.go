package telemetry

import (
	"fmt"
	"time"
)

// Config selects what a Telemetry instance wires up. Profile ids double as
// the deployment environment attribute.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string // trace, debug, info, warn, error or fatal
	Format string // console or json

	// Output is stderr, stdout or a file path opened for append.
	Output string

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string
	Caller     bool
}

// TracingConfig controls span export. Exporter is otlp, stdout or none;
// with none spans are sampled but dropped.
type TracingConfig struct {
	Enabled      bool
	Exporter     string
	Endpoint     string
	Insecure     bool
	SamplingRate float64

	BatchSize     int
	ExportTimeout time.Duration
}

// MetricsConfig controls the Prometheus registry. Collection is always on
// when Enabled; ListenAddress additionally serves Path over HTTP.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// LatencyBuckets are histogram buckets in seconds.
	LatencyBuckets []float64
}

// EventsConfig controls the in-process event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	BatchSize  int
	Async      bool
}

// DefaultConfig suits a short-lived CLI invocation: console logs on
// stderr, metrics collected but not served and no span export.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "director",
		ServiceVersion: "dev",
		Environment:    "default",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Insecure:      true,
			SamplingRate:  1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			Namespace:      "director",
			LatencyBuckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
			BatchSize:  32,
		},
	}
}

// DevelopmentConfig logs at debug level with callers and prints spans to
// stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Caller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "" || c.ServiceVersion == "":
		return fmt.Errorf("service name and version are required")
	case !validLevel(c.Logging.Level):
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case c.Logging.Format != "console" && c.Logging.Format != "json":
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate)
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}

	if !c.Tracing.Enabled {
		return nil
	}
	switch c.Tracing.Exporter {
	case "stdout", "none":
		return nil
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
		return nil
	}
	return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
}
