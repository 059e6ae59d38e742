package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config groups the settings of every telemetry signal.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	// Output is stdout, stderr or a file path. Empty means stderr.
	Output       string
	EnableCaller bool

	// Sampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th one.
	EnableSampling     bool
	SamplingInitial    int `validate:"required_if=EnableSampling true,omitempty,gte=1"`
	SamplingThereafter int `validate:"required_if=EnableSampling true,omitempty,gte=1"`

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string `validate:"omitempty,oneof=unix unixms rfc3339"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`
	// Endpoint is the OTLP collector host:port.
	Endpoint     string  `validate:"required_if=Exporter otlp"`
	SamplingRate float64 `validate:"gte=0,lte=1"`

	MaxExportBatchSize int `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"omitempty,startswith=/"`
	Namespace     string

	// DefaultHistogramBuckets are used for step and dispatch durations, in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int `validate:"required_if=EnableAsync true,gte=0"`
	// EnableAsync delivers events from a background goroutine. Synchronous
	// delivery preserves emission order across subscribers.
	EnableAsync bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "assembler",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "assembler",
			// Steps run from tens of milliseconds (primitives) to minutes
			// (operator-completed steps).
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s=%v fails %s", fe.Namespace(), fe.Value(), fe.Tag()))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}
