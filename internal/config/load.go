package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONDUCTOR"

var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.shutdown_timeout": "15s",

	"database.driver":         "memory",
	"database.url":            "",
	"database.max_open_conns": 10,

	"scheduler.poll_interval":             "500ms",
	"scheduler.max_concurrent":            4,
	"scheduler.min_priority":              0,
	"scheduler.max_priority":              10,
	"scheduler.default_max_retries":       3,
	"scheduler.dispatch_attempts":         1,
	"scheduler.handler_timeout":           "5m",
	"scheduler.stuck_task_age":            "30m",
	"scheduler.stuck_task_check_interval": "5m",
	"scheduler.backoff_initial":           "5s",
	"scheduler.backoff_max":               "10m",

	"resilience.max_concurrent_operations": 8,
	"resilience.retry_max_attempts":        3,
	"resilience.retry_base_delay":          "1s",
	"resilience.retry_max_delay":           "30s",
	"resilience.retry_jitter":              true,
	"resilience.breaker_failure_threshold": 3,
	"resilience.breaker_reset_timeout":     "30s",

	"workflow.max_agents":      4,
	"workflow.step_timeout":    "2m",
	"workflow.step_estimate":   "30s",
	"workflow.default_timeout": "10m",

	"registry.sweep_interval":         "1m",
	"registry.retention_window":       "1h",
	"registry.stall_factor":           1.5,
	"registry.failure_rate_threshold": 0.3,

	"events.nats_url":       "",
	"events.subject_prefix": "conductor",

	"auth.jwt_secret":     "",
	"auth.token_lifetime": "24h",
}

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over values
// from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path looks for
// config.yaml in the working directory and tolerates its absence.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
