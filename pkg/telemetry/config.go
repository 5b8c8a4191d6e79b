// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the orchestration engine. The engine publishes
// timeline events to a Sink; this package turns those events into logs,
// metric updates, and persisted timeline rows.
package telemetry

import "time"

// Config aggregates telemetry configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `yaml:"output"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace"`

	// Addr, when set, serves /metrics on this address during a run.
	Addr string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter is "stdout" or "none".
	Exporter string `yaml:"exporter"`

	// SamplingRate is the trace sampling ratio in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate"`

	// ExportTimeout bounds batched span export.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// DefaultConfig returns the baseline telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "bollard",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
		},
	}
}
