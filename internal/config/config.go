// Package config defines the runtime configuration shared by the API and
// worker processes.
package config

import (
	"fmt"
	"time"

	"github.com/copysentry/copysentry/internal/infra/providers"
)

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      string `mapstructure:"port" yaml:"port"`
	DebugPort string `mapstructure:"debug_port" yaml:"debug_port"`
}

// PostgresConfig configures the database pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// KafkaConfig configures the event bus.
type KafkaConfig struct {
	Brokers             []string `mapstructure:"brokers" yaml:"brokers"`
	TaskTopic           string   `mapstructure:"task_topic" yaml:"task_topic"`
	StatusTopic         string   `mapstructure:"status_topic" yaml:"status_topic"`
	DeadLetterTopic     string   `mapstructure:"dead_letter_topic" yaml:"dead_letter_topic"`
	GroupID             string   `mapstructure:"group_id" yaml:"group_id"`
	ClientID            string   `mapstructure:"client_id" yaml:"client_id"`
	MaxDeliveryAttempts int      `mapstructure:"max_delivery_attempts" yaml:"max_delivery_attempts"`
}

// LedgerConfig configures the anchoring client.
type LedgerConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	SigningKey     string        `mapstructure:"signing_key" yaml:"signing_key"`
	ConfirmWait    time.Duration `mapstructure:"confirm_wait" yaml:"confirm_wait"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SubmitAttempts int           `mapstructure:"submit_attempts" yaml:"submit_attempts"`
}

// ContentStoreConfig configures the content-addressable store client.
type ContentStoreConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SessionConfig configures websocket session credentials.
type SessionConfig struct {
	Secret string        `mapstructure:"secret" yaml:"secret"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// SweepConfig configures the stuck-task monitor.
type SweepConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule  string        `mapstructure:"schedule" yaml:"schedule"`
	Threshold time.Duration `mapstructure:"threshold" yaml:"threshold"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name" yaml:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint" yaml:"exporter_endpoint"`
	Probability      float64 `mapstructure:"probability" yaml:"probability"`
}

// Config is the top-level runtime configuration.
type Config struct {
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Postgres     PostgresConfig     `mapstructure:"postgres" yaml:"postgres"`
	Kafka        KafkaConfig        `mapstructure:"kafka" yaml:"kafka"`
	Ledger       LedgerConfig       `mapstructure:"ledger" yaml:"ledger"`
	ContentStore ContentStoreConfig `mapstructure:"content_store" yaml:"content_store"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Sweep        SweepConfig        `mapstructure:"sweep" yaml:"sweep"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	Providers    []providers.Config `mapstructure:"providers" yaml:"providers"`
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.TaskTopic == "" || c.Kafka.StatusTopic == "" || c.Kafka.DeadLetterTopic == "" {
		return fmt.Errorf("kafka task, status and dead letter topics are required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < 32 {
		return fmt.Errorf("session.secret must be at least 32 bytes")
	}
	return nil
}
