// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main engine configuration struct.
type Config struct {
	App          AppConfig         `mapstructure:"app"`
	Database     DatabaseConfig    `mapstructure:"database"`
	EventBus     EventBusConfig    `mapstructure:"event_bus"`
	Lifecycle    LifecycleConfig   `mapstructure:"lifecycle"`
	Scheduler    SchedulerConfig   `mapstructure:"scheduler"`
	Revenue      RevenueConfig     `mapstructure:"revenue"`
	Supervisor   SupervisorConfig  `mapstructure:"supervisor"`
	Server       ServerConfig      `mapstructure:"server"`
	Integrations IntegrationConfig `mapstructure:"integrations"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "postgres" or "memory".
	Driver        string              `mapstructure:"driver"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
	// MaxRetries bounds the adapter-level retry of connection failures.
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	AuditIndex string   `mapstructure:"audit_index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventBusConfig selects the change-event stream and tunes delivery.
type EventBusConfig struct {
	// Backend is one of "postgres", "redis" or "memory".
	Backend        string        `mapstructure:"backend"`
	QueueSize      int           `mapstructure:"queue_size"`
	HandlerRetries int           `mapstructure:"handler_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	// ListenerMinReconnect and ListenerMaxReconnect tune pq.Listener.
	ListenerMinReconnect time.Duration `mapstructure:"listener_min_reconnect"`
	ListenerMaxReconnect time.Duration `mapstructure:"listener_max_reconnect"`
}

// LifecycleConfig holds the state machine windows.
type LifecycleConfig struct {
	AuctionWindow        time.Duration `mapstructure:"auction_window"`
	OfferSelectionWindow time.Duration `mapstructure:"offer_selection_window"`
	ArchiveRetention     time.Duration `mapstructure:"archive_retention"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	UrgentWindow  time.Duration `mapstructure:"urgent_window"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type RevenueConfig struct {
	Fee               float64       `mapstructure:"fee"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryCooldown     time.Duration `mapstructure:"retry_cooldown"`
	RetrySchedule     string        `mapstructure:"retry_schedule"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
}

type SupervisorConfig struct {
	HealthCheckSchedule string `mapstructure:"health_check_schedule"`
}

type ServerConfig struct {
	Address          string        `mapstructure:"address"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	WebhookRateLimit int           `mapstructure:"webhook_rate_limit"` // requests per second
	WebhookBurst     int           `mapstructure:"webhook_burst"`
	DedupeTTL        time.Duration `mapstructure:"dedupe_ttl"`
}

// IntegrationConfig holds settings for alert fan-out and downstream event consumers.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool     `mapstructure:"enabled"`
			FromEmail string   `mapstructure:"from_email"`
			To        []string `mapstructure:"to"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled  bool   `mapstructure:"enabled"`
			TopicARN string `mapstructure:"topic_arn"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`

	AMQP struct {
		Enabled  bool   `mapstructure:"enabled"`
		URL      string `mapstructure:"url"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"amqp"`

	Zeebe struct {
		Enabled       bool          `mapstructure:"enabled"`
		BrokerAddress string        `mapstructure:"broker_address"`
		MessageTTL    time.Duration `mapstructure:"message_ttl"`
	} `mapstructure:"zeebe"`

	// Billing is the fee collection gateway. Without a URL, entries wait for
	// an external_payment_received webhook.
	Billing struct {
		URL        string        `mapstructure:"url"`
		APIKey     string        `mapstructure:"api_key"`
		Timeout    time.Duration `mapstructure:"timeout"`
		MaxRetries int           `mapstructure:"max_retries"`
	} `mapstructure:"billing"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
