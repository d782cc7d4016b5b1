// Package telemetry provides the observability stack: zerolog structured
// logging, Prometheus metrics, and OpenTelemetry tracing. All three are
// optional; disabled components degrade to no-ops so the engine never
// branches on telemetry availability.
package telemetry

import (
	"fmt"
	"time"
)

// Config is the full telemetry configuration.
type Config struct {
	// ServiceName identifies the service in traces and metrics.
	ServiceName string

	// ServiceVersion is the running version.
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod).
	Environment string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures distributed tracing.
	Tracing TracingConfig

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr, or a file path.
	Output string

	// EnableCaller adds file:line caller information.
	EnableCaller bool
}

// TracingConfig configures the OTel tracer.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool

	// Exporter is otlp, stdout, or none.
	Exporter string

	// Endpoint is the OTLP gRPC endpoint.
	Endpoint string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout bounds batch export.
	ExportTimeout time.Duration

	// Insecure disables TLS toward the OTLP endpoint.
	Insecure bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool

	// ListenAddress serves the metrics endpoint when set (watch mode).
	ListenAddress string

	// Namespace is the metric name prefix.
	Namespace string
}

// DefaultConfig returns a sane local-run configuration: console logs,
// no tracing, no metrics endpoint.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "convergo",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Namespace: "convergo",
		},
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter needs an endpoint")
			}
		case "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("sampling rate must be within [0,1]: %f", c.Tracing.SamplingRate)
		}
	}
	return nil
}
