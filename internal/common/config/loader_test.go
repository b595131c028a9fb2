package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "lifecycle-engine", cfg.App.Name)
	assert.Equal(t, "memory", cfg.EventBus.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Lifecycle.AuctionWindow)
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.OfferSelectionWindow)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.UrgentWindow)
	assert.Equal(t, 3, cfg.Revenue.MaxAttempts)
	assert.Equal(t, 25.0, cfg.Revenue.Fee)
	assert.Equal(t, "@every 5m", cfg.Supervisor.HealthCheckSchedule)
	assert.Equal(t, 10*time.Second, cfg.Integrations.Billing.Timeout)
}

func TestLoadFromFile_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PG_HOST", "db.internal")
	path := writeConfig(t, `
database:
  driver: postgres
  postgres:
    host: ${TEST_PG_HOST}
    database: lifecycle
    user: engine
scheduler:
  sweep_interval: 30s
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, "postgres", cfg.EventBus.Backend)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	assert.Contains(t, cfg.Database.Postgres.GetDSN(), "host=db.internal port=5432")
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown driver",
			body: "database:\n  driver: mysql\n",
			want: "database.driver",
		},
		{
			name: "postgres without host",
			body: "database:\n  driver: postgres\n  postgres:\n    database: x\n    user: y\n",
			want: "database.postgres.host",
		},
		{
			name: "postgres stream on memory store",
			body: "database:\n  driver: memory\nevent_bus:\n  backend: postgres\n",
			want: "event_bus.backend postgres",
		},
		{
			name: "redis stream without address",
			body: "database:\n  driver: memory\nevent_bus:\n  backend: redis\n",
			want: "database.redis.address",
		},
		{
			name: "sns without topic",
			body: "database:\n  driver: memory\nintegrations:\n  aws:\n    sns:\n      enabled: true\n",
			want: "topic_arn",
		},
	}

	t.Setenv("ALERT_SNS_TOPIC_ARN", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
