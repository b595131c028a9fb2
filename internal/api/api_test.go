package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/revenue"
	"lifecycle-engine/internal/scheduler"
	"lifecycle-engine/internal/store"
	"lifecycle-engine/internal/supervisor"
	"lifecycle-engine/pkg/registry"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel       string
	applicationID string
	data          json.RawMessage
}

type capturePublisher struct {
	mu  sync.Mutex
	got []published
	err error
}

func (p *capturePublisher) Publish(ctx context.Context, channel, applicationID string, payload interface{}) error {
	if p.err != nil {
		return p.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{channel: channel, applicationID: applicationID, data: data})
	return nil
}

type fakeScheduler struct {
	urgent []scheduler.Urgent
	sweeps int
}

func (f *fakeScheduler) UrgentApplications(ctx context.Context) ([]scheduler.Urgent, error) {
	return f.urgent, nil
}

func (f *fakeScheduler) Sweep(ctx context.Context) *scheduler.SweepReport {
	f.sweeps++
	return &scheduler.SweepReport{Auctions: scheduler.SweepResult{Processed: 2, Ignored: 2}}
}

type fakeSupervisor struct {
	report    supervisor.Report
	restarted []string
}

func (f *fakeSupervisor) HealthCheck(ctx context.Context) supervisor.Report {
	return f.report
}

func (f *fakeSupervisor) Restart(ctx context.Context, component string) error {
	if component != supervisor.ComponentEventBus && component != supervisor.ComponentScheduler {
		return errors.NewUnknownComponentError(component)
	}
	f.restarted = append(f.restarted, component)
	return nil
}

type fakeReconciler struct{}

func (fakeReconciler) Reconcile(ctx context.Context) (*revenue.ReconcileResult, error) {
	return &revenue.ReconcileResult{Updated: []string{"app-1"}}, nil
}

type fixture struct {
	pub   *capturePublisher
	store *store.Memory
	sched *fakeScheduler
	sup   *fakeSupervisor
	mr    *miniredis.Miniredis
	srv   *httptest.Server
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	log := logger.NewTestLogger(t)
	schemas, err := NewSchemaRegistry()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	catalog := registry.New("test")
	catalog.Add(registry.Subscription{Channel: eventbus.ChannelStatusChanged, Handler: "arm-deadlines"})

	f := &fixture{
		pub:   &capturePublisher{},
		store: store.NewMemory(),
		sched: &fakeScheduler{},
		sup:   &fakeSupervisor{report: supervisor.Report{Status: supervisor.StatusHealthy, Store: supervisor.StatusHealthy}},
		mr:    mr,
	}
	h := NewHandler(Deps{
		Publisher:  f.pub,
		Store:      f.store,
		Scheduler:  f.sched,
		Supervisor: f.sup,
		Reconciler: fakeReconciler{},
		Catalog:    catalog,
		Schemas:    schemas,
		Deduper:    NewDeduper(client, time.Hour, log),
		Limiter:    limiter,
		Service:    "lifecycle-engine",
		Version:    "test",
		Log:        log,
	})
	f.srv = httptest.NewServer(NewRouter(h))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestWebhook_Accepted(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.post(t, "/webhook", `{"id":"wh-1","type":"manual_status_transition","data":{"applicationId":"app-1","fromStatus":"offer_received","toStatus":"deal_expired"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	require.Len(t, f.pub.got, 1)
	assert.Equal(t, eventbus.ChannelManualStatusTransition, f.pub.got[0].channel)
	assert.Equal(t, "app-1", f.pub.got[0].applicationID)

	var p eventbus.ManualStatusTransition
	require.NoError(t, json.Unmarshal(f.pub.got[0].data, &p))
	assert.Equal(t, models.StatusDealExpired, p.ToStatus)
}

func TestWebhook_LifecycleIngressTypes(t *testing.T) {
	f := newFixture(t, nil)

	bodies := []string{
		`{"type":"application_submitted","data":{"businessId":"biz-1"}}`,
		`{"type":"purchase_submitted","data":{"applicationId":"app-1","bankId":"bank-1"}}`,
		`{"type":"offer_selected","data":{"applicationId":"app-1","bankId":"bank-1","actor":"business:biz-1"}}`,
	}
	for _, body := range bodies {
		code, out := f.post(t, "/webhook", body)
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, true, out["success"])
	}

	require.Len(t, f.pub.got, 3)
	assert.Equal(t, eventbus.ChannelApplicationSubmitted, f.pub.got[0].channel)
	assert.Empty(t, f.pub.got[0].applicationID)
	assert.Equal(t, eventbus.ChannelPurchaseSubmitted, f.pub.got[1].channel)
	assert.Equal(t, "app-1", f.pub.got[1].applicationID)
	assert.Equal(t, eventbus.ChannelOfferSelected, f.pub.got[2].channel)

	var p eventbus.PurchaseSubmitted
	require.NoError(t, json.Unmarshal(f.pub.got[1].data, &p))
	assert.Equal(t, "bank-1", p.BankID)
}

func TestWebhook_Duplicate(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"id":"wh-1","type":"deadline_approaching","data":{"applicationId":"app-1"}}`

	code, _ := f.post(t, "/webhook", body)
	require.Equal(t, http.StatusOK, code)
	code, out := f.post(t, "/webhook", body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["duplicate"])
	assert.Len(t, f.pub.got, 1)

	f.mr.FastForward(2 * time.Hour)
	code, _ = f.post(t, "/webhook", body)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, f.pub.got, 2)
}

func TestWebhook_Malformed(t *testing.T) {
	f := newFixture(t, nil)

	cases := map[string]string{
		"not json":       `{"type":`,
		"unknown type":   `{"type":"teleport","data":{}}`,
		"missing data":   `{"type":"deadline_approaching"}`,
		"missing field":  `{"type":"manual_status_transition","data":{"applicationId":"app-1"}}`,
		"bad kind":       `{"type":"deadline_approaching","data":{"applicationId":"app-1","kind":"lunch"}}`,
		"negative money": `{"type":"external_payment_received","data":{"collectionId":"c-1","amount":-5}}`,
		"no business":    `{"type":"application_submitted","data":{}}`,
		"no bank":        `{"type":"purchase_submitted","data":{"applicationId":"app-1"}}`,
		"empty bank":     `{"type":"offer_selected","data":{"applicationId":"app-1","bankId":""}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, out := f.post(t, "/webhook", body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Empty(t, f.pub.got)
}

func TestWebhook_PublishFailureReleasesDedupe(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.err = stderrors.New("stream down")
	body := `{"id":"wh-9","type":"external_payment_received","data":{"collectionId":"c-1","amount":25}}`

	code, _ := f.post(t, "/webhook", body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, f.mr.Exists(dedupePrefix+"wh-9"))

	f.pub.err = nil
	code, out := f.post(t, "/webhook", body)
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, out["duplicate"])
	assert.Len(t, f.pub.got, 1)
}

func TestWebhook_RateLimited(t *testing.T) {
	f := newFixture(t, NewRateLimiter(1, 1, logger.NewNoOpLogger()))
	body := `{"type":"deadline_approaching","data":{"applicationId":"app-1"}}`

	code, _ := f.post(t, "/webhook", body)
	assert.Equal(t, http.StatusOK, code)
	code, out := f.post(t, "/webhook", body)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, false, out["success"])
}

func TestDeduper_FailsOpen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	d := NewDeduper(client, time.Minute, logger.NewNoOpLogger())

	mock.ExpectSetNX(dedupePrefix+"wh-1", 1, time.Minute).SetErr(stderrors.New("connection reset"))
	assert.True(t, d.FirstSeen(context.Background(), "wh-1"))

	mock.ExpectSetNX(dedupePrefix+"wh-1", 1, time.Minute).SetVal(false)
	assert.False(t, d.FirstSeen(context.Background(), "wh-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.sup.report.Status = supervisor.StatusDegraded
	resp, err = http.Get(f.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Seed(&models.Application{ID: "app-1", Status: models.StatusPendingOffers, PurchasedBy: []string{}})
	f.sched.urgent = []scheduler.Urgent{{ApplicationID: "app-1", Kind: scheduler.KindAuction, Priority: "critical"}}

	resp, err := http.Get(f.srv.URL + "/ops/stats")
	require.NoError(t, err)
	var stats models.EngineStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ops/urgent")
	require.NoError(t, err)
	var urgent struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&urgent))
	resp.Body.Close()
	assert.Equal(t, 1, urgent.Count)

	resp, err = http.Get(f.srv.URL + "/ops/alerts?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ops/handlers")
	require.NoError(t, err)
	var catalog registry.Catalog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&catalog))
	resp.Body.Close()
	assert.Len(t, catalog.Subscriptions, 1)

	code, _ := f.post(t, "/ops/restart/scheduler", "")
	assert.Equal(t, http.StatusOK, code)
	code, out := f.post(t, "/ops/restart/mainframe", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, out["error"], "mainframe")
	assert.Equal(t, []string{supervisor.ComponentScheduler}, f.sup.restarted)

	code, _ = f.post(t, "/ops/sweep", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, f.sched.sweeps)

	code, out = f.post(t, "/ops/reconcile", "")
	assert.Equal(t, http.StatusOK, code)
	assert.NotNil(t, out)

	code, out = f.post(t, "/ops/health-check", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, supervisor.StatusHealthy, out["status"])
}
