package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads configuration from a TOML file, applies environment
// variable overrides, and validates the result. An empty path skips the
// file and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets FAULTLINE_* environment variables win over file
// values, which is how container deployments inject secrets and paths.
func applyEnvOverrides(cfg *Config) {
	envInt("FAULTLINE_MAX_STACK_FRAMES", &cfg.Pipeline.MaxStackFrames)
	envInt("FAULTLINE_MAX_CONTEXT_BYTES", &cfg.Pipeline.MaxContextBytes)
	envDuration("FAULTLINE_AGGREGATION_WINDOW", &cfg.Pipeline.AggregationWindow)
	envInt("FAULTLINE_MAX_AGGREGATE_COUNT", &cfg.Pipeline.MaxAggregateCount)
	envInt("FAULTLINE_SUBMIT_BUFFER", &cfg.Pipeline.SubmitBuffer)

	envInt("FAULTLINE_GLOBAL_PER_MINUTE", &cfg.Governor.GlobalPerMinute)
	envInt("FAULTLINE_PER_FINGERPRINT_HOURLY", &cfg.Governor.PerFingerprintHourly)

	envString("FAULTLINE_QUEUE_PATH", &cfg.Queue.Path)
	envInt("FAULTLINE_QUEUE_CAPACITY", &cfg.Queue.Capacity)
	envInt("FAULTLINE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	envInt("FAULTLINE_RETENTION_DAYS", &cfg.Queue.RetentionDays)

	envString("FAULTLINE_COLLECTOR_ENDPOINT", &cfg.Uploader.Endpoint)
	envString("FAULTLINE_COLLECTOR_TOKEN", &cfg.Uploader.AuthToken)
	envDuration("FAULTLINE_UPLOAD_INTERVAL", &cfg.Uploader.Interval)
	envInt("FAULTLINE_BATCH_SIZE", &cfg.Uploader.BatchSize)

	envInt("FAULTLINE_ALERT_COUNT_PER_HOUR", &cfg.Alerts.CountPerHour)
	envFloat("FAULTLINE_ALERT_SESSION_RATIO", &cfg.Alerts.SessionRatio)
	envDuration("FAULTLINE_ALERT_COOLDOWN", &cfg.Alerts.Cooldown)
	envString("FAULTLINE_ALERT_WEBHOOK", &cfg.Alerts.WebhookURL)

	envString("FAULTLINE_METRICS_ADDR", &cfg.Metrics.ListenAddr)

	envString("FAULTLINE_LOG_LEVEL", &cfg.Logging.Level)
	envString("FAULTLINE_LOG_FORMAT", &cfg.Logging.Format)
	envString("FAULTLINE_LOG_OUTPUT", &cfg.Logging.Output)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
