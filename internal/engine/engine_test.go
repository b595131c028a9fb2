package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const memoryConfig = `
app:
  name: lifecycle-engine
  version: test
database:
  driver: memory
event_bus:
  backend: memory
  retry_backoff: 1ms
scheduler:
  sweep_interval: 1h
revenue:
  fee: 25
`

func loadMemoryConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(memoryConfig), 0o600))
	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	return cfg
}

func TestBuild_MemoryEngineEndToEnd(t *testing.T) {
	cfg := loadMemoryConfig(t)
	e, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	assert.NotEmpty(t, e.Catalog.Subscriptions)
	assert.False(t, e.Ledger.HasCollector())

	require.NoError(t, e.Supervisor.Start(context.Background()))
	defer e.Supervisor.Stop(context.Background())

	srv := httptest.NewServer(e.Router)
	defer srv.Close()

	ctx := context.Background()
	postWebhook := func(body string) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}

	postWebhook(`{"id":"sub-1","type":"application_submitted","data":{"businessId":"biz-1"}}`)

	var appID string
	require.Eventually(t, func() bool {
		open, err := e.Store.ListDeadlinesBetween(ctx, time.Now().UTC(), time.Now().UTC().Add(49*time.Hour))
		if err != nil || len(open) != 1 {
			return false
		}
		appID = open[0].ID
		return open[0].Status == models.StatusPendingOffers
	}, 2*time.Second, 10*time.Millisecond)

	postWebhook(`{"id":"buy-1","type":"purchase_submitted","data":{"applicationId":"` + appID + `","bankId":"bank-1"}}`)

	var collectionID string
	require.Eventually(t, func() bool {
		entries, err := e.Store.ListCollections(ctx, appID)
		if err != nil || len(entries) != 1 {
			return false
		}
		collectionID = entries[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	postWebhook(`{"id":"pay-1","type":"external_payment_received","data":{"collectionId":"` + collectionID + `","amount":25,"reference":"wire-1"}}`)

	assert.Eventually(t, func() bool {
		c, err := e.Store.GetCollection(ctx, collectionID)
		return err == nil && c.Status == models.CollectionCollected && c.Verified
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuild_PostgresBusNeedsPostgresStore(t *testing.T) {
	cfg := loadMemoryConfig(t)
	cfg.EventBus.Backend = "postgres"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}
