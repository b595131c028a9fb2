// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges configs/config.<APP_ENVIRONMENT>.yaml on top,
// applies ENV overrides and defaults, and validates the result.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// ENV override like DATABASE_POSTGRES_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // env overlay is optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the working directory or any parent up to the module root.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// Direct override if config values are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Integrations.AMQP.URL == "" {
		if val := os.Getenv("AMQP_URL"); val != "" {
			cfg.Integrations.AMQP.URL = val
		}
	}
	if cfg.Integrations.AWS.SNS.TopicARN == "" {
		if val := os.Getenv("ALERT_SNS_TOPIC_ARN"); val != "" {
			cfg.Integrations.AWS.SNS.TopicARN = val
		}
	}
	if cfg.Integrations.Billing.APIKey == "" {
		if val := os.Getenv("BILLING_API_KEY"); val != "" {
			cfg.Integrations.Billing.APIKey = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "lifecycle-engine"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Postgres.MaxRetries == 0 {
		cfg.Database.Postgres.MaxRetries = 3
	}
	if cfg.Database.Postgres.RetryBackoff == 0 {
		cfg.Database.Postgres.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Database.Elasticsearch.AuditIndex == "" {
		cfg.Database.Elasticsearch.AuditIndex = "application-status-audit"
	}

	if cfg.EventBus.Backend == "" {
		cfg.EventBus.Backend = cfg.Database.Driver
	}
	if cfg.EventBus.QueueSize == 0 {
		cfg.EventBus.QueueSize = 256
	}
	if cfg.EventBus.HandlerRetries == 0 {
		cfg.EventBus.HandlerRetries = 3
	}
	if cfg.EventBus.RetryBackoff == 0 {
		cfg.EventBus.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.EventBus.ListenerMinReconnect == 0 {
		cfg.EventBus.ListenerMinReconnect = 10 * time.Second
	}
	if cfg.EventBus.ListenerMaxReconnect == 0 {
		cfg.EventBus.ListenerMaxReconnect = time.Minute
	}

	if cfg.Lifecycle.AuctionWindow == 0 {
		cfg.Lifecycle.AuctionWindow = 48 * time.Hour
	}
	if cfg.Lifecycle.OfferSelectionWindow == 0 {
		cfg.Lifecycle.OfferSelectionWindow = 24 * time.Hour
	}
	if cfg.Lifecycle.ArchiveRetention == 0 {
		cfg.Lifecycle.ArchiveRetention = 90 * 24 * time.Hour
	}

	if cfg.Scheduler.SweepInterval == 0 {
		cfg.Scheduler.SweepInterval = 60 * time.Second
	}
	if cfg.Scheduler.UrgentWindow == 0 {
		cfg.Scheduler.UrgentWindow = 2 * time.Hour
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 500
	}

	if cfg.Revenue.Fee == 0 {
		cfg.Revenue.Fee = 25
	}
	if cfg.Revenue.MaxAttempts == 0 {
		cfg.Revenue.MaxAttempts = 3
	}
	if cfg.Revenue.RetryCooldown == 0 {
		cfg.Revenue.RetryCooldown = 5 * time.Minute
	}
	if cfg.Revenue.RetrySchedule == "" {
		cfg.Revenue.RetrySchedule = "@every 1m"
	}
	if cfg.Revenue.ReconcileSchedule == "" {
		cfg.Revenue.ReconcileSchedule = "@every 1h"
	}

	if cfg.Supervisor.HealthCheckSchedule == "" {
		cfg.Supervisor.HealthCheckSchedule = "@every 5m"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.WebhookRateLimit == 0 {
		cfg.Server.WebhookRateLimit = 50
	}
	if cfg.Server.WebhookBurst == 0 {
		cfg.Server.WebhookBurst = 100
	}
	if cfg.Server.DedupeTTL == 0 {
		cfg.Server.DedupeTTL = 24 * time.Hour
	}

	if cfg.Integrations.AMQP.Exchange == "" {
		cfg.Integrations.AMQP.Exchange = "lifecycle.events"
	}
	if cfg.Integrations.Zeebe.MessageTTL == 0 {
		cfg.Integrations.Zeebe.MessageTTL = time.Hour
	}
	if cfg.Integrations.Billing.Timeout == 0 {
		cfg.Integrations.Billing.Timeout = 10 * time.Second
	}
	if cfg.Integrations.Billing.MaxRetries == 0 {
		cfg.Integrations.Billing.MaxRetries = 2
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", cfg.Database.Driver)
	}

	switch cfg.EventBus.Backend {
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("event_bus.backend postgres requires database.driver postgres")
		}
	case "redis":
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required for the redis event bus")
		}
	case "memory":
	default:
		return fmt.Errorf("event_bus.backend must be postgres, redis or memory, got %q", cfg.EventBus.Backend)
	}

	if cfg.Database.Elasticsearch.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when enabled")
	}
	if cfg.Integrations.AMQP.Enabled && cfg.Integrations.AMQP.URL == "" {
		return fmt.Errorf("integrations.amqp.url is required when enabled")
	}
	if cfg.Integrations.Zeebe.Enabled && cfg.Integrations.Zeebe.BrokerAddress == "" {
		return fmt.Errorf("integrations.zeebe.broker_address is required when enabled")
	}
	if cfg.Integrations.AWS.SNS.Enabled && cfg.Integrations.AWS.SNS.TopicARN == "" {
		return fmt.Errorf("integrations.aws.sns.topic_arn is required when enabled")
	}
	if cfg.Integrations.AWS.SES.Enabled && (cfg.Integrations.AWS.SES.FromEmail == "" || len(cfg.Integrations.AWS.SES.To) == 0) {
		return fmt.Errorf("integrations.aws.ses.from_email and to are required when enabled")
	}
	if cfg.Revenue.Fee < 0 {
		return fmt.Errorf("revenue.fee must be positive")
	}

	return nil
}
