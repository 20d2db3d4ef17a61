// Package config provides configuration management for the faultline
// pipeline. Supports TOML configuration files with environment variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all pipeline configuration.
type Config struct {
	Pipeline PipelineConfig `toml:"pipeline"`
	Governor GovernorConfig `toml:"governor"`
	Queue    QueueConfig    `toml:"queue"`
	Uploader UploaderConfig `toml:"uploader"`
	Alerts   AlertsConfig   `toml:"alerts"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// PipelineConfig bounds normalization and aggregation.
type PipelineConfig struct {
	// MaxStackFrames caps frames kept per stack trace.
	MaxStackFrames int `toml:"max_stack_frames" env:"FAULTLINE_MAX_STACK_FRAMES"`

	// MaxContextBytes caps the serialized context payload per event.
	MaxContextBytes int `toml:"max_context_bytes" env:"FAULTLINE_MAX_CONTEXT_BYTES"`

	// AggregationWindow is the tumbling dedup window.
	AggregationWindow duration `toml:"aggregation_window" env:"FAULTLINE_AGGREGATION_WINDOW"`

	// MaxAggregateCount forces an early flush of a pathological record.
	MaxAggregateCount int `toml:"max_aggregate_count" env:"FAULTLINE_MAX_AGGREGATE_COUNT"`

	// SubmitBuffer is the background-writer channel depth.
	SubmitBuffer int `toml:"submit_buffer" env:"FAULTLINE_SUBMIT_BUFFER"`
}

// GovernorConfig holds the rate caps.
type GovernorConfig struct {
	GlobalPerMinute      int `toml:"global_per_minute" env:"FAULTLINE_GLOBAL_PER_MINUTE"`
	PerFingerprintHourly int `toml:"per_fingerprint_hourly" env:"FAULTLINE_PER_FINGERPRINT_HOURLY"`
}

// QueueConfig holds durable-queue settings.
type QueueConfig struct {
	Path           string   `toml:"path" env:"FAULTLINE_QUEUE_PATH"`
	Capacity       int      `toml:"capacity" env:"FAULTLINE_QUEUE_CAPACITY"`
	MaxAttempts    int      `toml:"max_attempts" env:"FAULTLINE_MAX_ATTEMPTS"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
	RetryMaxDelay  duration `toml:"retry_max_delay"`
	RetentionDays  int      `toml:"retention_days" env:"FAULTLINE_RETENTION_DAYS"`
}

// UploaderConfig holds collector transmission settings.
type UploaderConfig struct {
	Endpoint    string   `toml:"endpoint" env:"FAULTLINE_COLLECTOR_ENDPOINT"`
	AuthToken   string   `toml:"auth_token" env:"FAULTLINE_COLLECTOR_TOKEN"`
	Interval    duration `toml:"interval" env:"FAULTLINE_UPLOAD_INTERVAL"`
	BatchSize   int      `toml:"batch_size" env:"FAULTLINE_BATCH_SIZE"`
	BackoffBase duration `toml:"backoff_base"`
	BackoffMax  duration `toml:"backoff_max"`
	Timeout     duration `toml:"timeout"`
}

// AlertsConfig holds alert thresholds and cooldown.
type AlertsConfig struct {
	CountPerHour int      `toml:"count_per_hour" env:"FAULTLINE_ALERT_COUNT_PER_HOUR"`
	SessionRatio float64  `toml:"session_ratio" env:"FAULTLINE_ALERT_SESSION_RATIO"`
	Cooldown     duration `toml:"cooldown" env:"FAULTLINE_ALERT_COOLDOWN"`
	WebhookURL   string   `toml:"webhook_url" env:"FAULTLINE_ALERT_WEBHOOK"`
}

// MetricsConfig holds the observability listener settings.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr" env:"FAULTLINE_METRICS_ADDR"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level" env:"FAULTLINE_LOG_LEVEL"`
	Format string `toml:"format" env:"FAULTLINE_LOG_FORMAT"`
	Output string `toml:"output" env:"FAULTLINE_LOG_OUTPUT"`
}

// duration is a time.Duration that round-trips through TOML strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the configuration with every default stated in
// the pipeline contract applied.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxStackFrames:    50,
			MaxContextBytes:   4096,
			AggregationWindow: duration{60 * time.Second},
			MaxAggregateCount: 1000,
			SubmitBuffer:      256,
		},
		Governor: GovernorConfig{
			GlobalPerMinute:      120,
			PerFingerprintHourly: 30,
		},
		Queue: QueueConfig{
			Path:           "/var/lib/faultline/queue.db",
			Capacity:       2000,
			MaxAttempts:    8,
			RetryBaseDelay: duration{2 * time.Second},
			RetryMaxDelay:  duration{5 * time.Minute},
			RetentionDays:  7,
		},
		Uploader: UploaderConfig{
			Interval:    duration{15 * time.Second},
			BatchSize:   50,
			BackoffBase: duration{2 * time.Second},
			BackoffMax:  duration{5 * time.Minute},
			Timeout:     duration{30 * time.Second},
		},
		Alerts: AlertsConfig{
			CountPerHour: 50,
			SessionRatio: 0.05,
			Cooldown:     duration{30 * time.Minute},
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Queue.Path == "" {
		return fmt.Errorf("%w: queue.path", ErrMissingValue)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("%w: queue.capacity must be positive", ErrInvalidConfig)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("%w: queue.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Uploader.Endpoint == "" {
		return fmt.Errorf("%w: uploader.endpoint", ErrMissingValue)
	}
	if c.Uploader.BatchSize <= 0 {
		return fmt.Errorf("%w: uploader.batch_size must be positive", ErrInvalidConfig)
	}
	if c.Pipeline.AggregationWindow.Duration <= 0 {
		return fmt.Errorf("%w: pipeline.aggregation_window must be positive", ErrInvalidConfig)
	}
	if c.Governor.GlobalPerMinute <= 0 || c.Governor.PerFingerprintHourly <= 0 {
		return fmt.Errorf("%w: governor caps must be positive", ErrInvalidConfig)
	}
	if c.Alerts.SessionRatio < 0 || c.Alerts.SessionRatio > 1 {
		return fmt.Errorf("%w: alerts.session_ratio must be within [0,1]", ErrInvalidConfig)
	}
	return nil
}
