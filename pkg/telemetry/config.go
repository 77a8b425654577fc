package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration for the mod runtime.
type Config struct {
	// ServiceName is the name reported by traces and used as the metrics namespace default.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`

	// ServiceVersion is the version of the runtime binary.
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`

	// Environment specifies the deployment environment (development, production).
	Environment string `yaml:"environment" env:"ENVIRONMENT"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`

	// Tracing contains tracing configuration.
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACE_"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" env:"OUTPUT"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller" env:"CALLER"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `yaml:"enable_sampling" env:"SAMPLING"`

	// SamplingInitial is the burst of messages logged per second.
	SamplingInitial int `yaml:"sampling_initial" validate:"gte=0"`

	// SamplingThereafter logs every Nth message after the burst.
	SamplingThereafter int `yaml:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat specifies the timestamp format (unix, unixms, unixmicro, rfc3339).
	TimeFormat string `yaml:"time_format" env:"TIME_FORMAT"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" env:"EXPORTER" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE" validate:"gte=0,lte=1"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `yaml:"max_export_batch_size" validate:"gte=0"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// ListenAddress is the address for the metrics HTTP endpoint. Empty
	// disables the endpoint while still collecting.
	ListenAddress string `yaml:"listen_address" env:"ADDRESS"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path" env:"PATH" validate:"required_with=ListenAddress"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"buckets"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "modrt",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			EnableSampling:     false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			Endpoint:           "localhost:4317",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "modrt",
			DefaultHistogramBuckets: []float64{
				0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
			},
		},
	}
}

// DevelopmentConfig returns a configuration tuned for local mod development.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var validate = validator.New()

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid telemetry setting %s=%v: failed %q", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}
	return nil
}
