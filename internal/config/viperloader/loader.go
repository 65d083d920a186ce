// Package viperloader loads configuration from a YAML file with environment
// variable overrides.
package viperloader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/copysentry/copysentry/internal/config"
)

const envPrefix = "COPYSENTRY"

// Loader reads configuration via viper. Environment variables override file
// values using the COPYSENTRY_ prefix with underscores for nesting, e.g.
// COPYSENTRY_POSTGRES_DSN.
type Loader struct{ path string }

// NewLoader creates a Loader for the given config file path. An empty path
// loads from environment variables and defaults only.
func NewLoader(path string) *Loader { return &Loader{path: path} }

// Load parses and validates the configuration.
func (l *Loader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", l.path, err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "8080")
	v.SetDefault("api.debug_port", "8090")

	v.SetDefault("postgres.min_conns", 5)
	v.SetDefault("postgres.max_conns", 25)

	v.SetDefault("kafka.task_topic", "scan-tasks")
	v.SetDefault("kafka.status_topic", "scan-status")
	v.SetDefault("kafka.dead_letter_topic", "scan-tasks-dlq")
	v.SetDefault("kafka.max_delivery_attempts", 5)

	v.SetDefault("ledger.confirm_wait", 15*time.Second)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.submit_attempts", 5)

	v.SetDefault("session.ttl", time.Hour)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 5m")
	v.SetDefault("sweep.threshold", 30*time.Minute)

	v.SetDefault("telemetry.probability", 0.05)
}
