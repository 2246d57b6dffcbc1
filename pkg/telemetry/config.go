package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the factsync configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version" validate:"required"`

	// Environment is reported as a trace resource attribute.
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`

	// EnableCaller adds file:line to every entry.
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// EnableSampling keeps one entry in SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter" validate:"gte=0"`
}

// TracingConfig configures OpenTelemetry tracing. When Enabled is false spans
// are created but never sampled.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter" validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Insecure bool              `yaml:"insecure" json:"insecure"`

	SamplingRate       float64       `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" json:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration `yaml:"export_timeout" json:"export_timeout"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ListenAddress serves Path over HTTP. Metrics are still collected when
	// it is empty.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Path          string `yaml:"path" json:"path"`

	Namespace               string    `yaml:"namespace" json:"namespace"`
	DefaultHistogramBuckets []float64 `yaml:"buckets,omitempty" json:"buckets,omitempty"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	BufferSize  int  `yaml:"buffer_size" json:"buffer_size" validate:"gte=0"`
	EnableAsync bool `yaml:"async" json:"async"`
}

// DefaultConfig returns console logging at info, metrics in a private
// registry, tracing off and async events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "factsync",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "factsync",
			DefaultHistogramBuckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// ProductionConfig returns JSON logs, sampled OTLP tracing and a metrics
// endpoint on :9090. The collector endpoint still has to be set.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.ListenAddress = ":9090"
	return cfg
}

// TestConfig returns a configuration with logging silenced, tracing off and
// metrics collected in a private registry.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "test"
	cfg.Logging.Level = "disabled"
	cfg.Events.EnableAsync = false
	return cfg
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v (%s)", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}

	switch {
	case c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return errors.New("trace endpoint is required for the otlp exporter")
	case c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "":
		return errors.New("metrics path is required when metrics are served")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
