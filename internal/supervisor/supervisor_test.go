package supervisor

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/revenue"
	"lifecycle-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu       sync.Mutex
	running  bool
	attached bool
	starts   int
	stops    int
	startErr error
	order    *[]string
	name     string
}

func newFakeRunner(name string, order *[]string) *fakeRunner {
	return &fakeRunner{name: name, order: order, attached: true}
}

func (f *fakeRunner) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.attached = true
	f.starts++
	if f.order != nil {
		*f.order = append(*f.order, "start:"+f.name)
	}
	return nil
}

func (f *fakeRunner) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	if f.order != nil {
		*f.order = append(*f.order, "stop:"+f.name)
	}
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

func (f *fakeRunner) detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = false
}

type countingJobs struct {
	mu         sync.Mutex
	retries    int
	reconciles int
}

func (c *countingJobs) RetryFailed(ctx context.Context) (*revenue.RetryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return &revenue.RetryResult{}, nil
}

func (c *countingJobs) Reconcile(ctx context.Context) (*revenue.ReconcileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciles++
	return &revenue.ReconcileResult{}, nil
}

func (c *countingJobs) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries, c.reconciles
}

func newSupervisor(t *testing.T, jobs RevenueJobs, opts Options) (*Supervisor, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	log := logger.NewTestLogger(t)
	return New(st, alerts.NewService(st, nil, log), jobs, opts, log), st
}

func TestStartStopOrder(t *testing.T) {
	var order []string
	s, _ := newSupervisor(t, nil, Options{})
	s.Register(ComponentEventBus, newFakeRunner("bus", &order))
	s.Register(ComponentScheduler, newFakeRunner("scheduler", &order))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())

	s.Stop(context.Background())
	s.Stop(context.Background())
	assert.False(t, s.Running())

	assert.Equal(t, []string{"start:bus", "start:scheduler", "stop:scheduler", "stop:bus"}, order)
}

func TestStartFailureStopsStartedComponents(t *testing.T) {
	s, _ := newSupervisor(t, nil, Options{})
	first := newFakeRunner("bus", nil)
	second := newFakeRunner("scheduler", nil)
	second.startErr = stderrors.New("boom")
	s.Register(ComponentEventBus, first)
	s.Register(ComponentScheduler, second)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
	assert.False(t, first.Running())
	assert.False(t, s.Running())
}

func TestInvalidScheduleFailsStart(t *testing.T) {
	s, _ := newSupervisor(t, &countingJobs{}, Options{RetrySchedule: "not a schedule"})
	r := newFakeRunner("bus", nil)
	s.Register(ComponentEventBus, r)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revenue_retry")
	assert.False(t, r.Running())
}

func TestRestart(t *testing.T) {
	s, _ := newSupervisor(t, nil, Options{})
	r := newFakeRunner("bus", nil)
	s.Register(ComponentEventBus, r)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, s.Restart(context.Background(), ComponentEventBus))
	assert.Equal(t, 2, r.starts)
	assert.True(t, r.Running())

	err := s.Restart(context.Background(), "nope")
	assert.True(t, stderrors.Is(err, errors.ErrUnknownComponent))
}

func TestHealthCheck_Healthy(t *testing.T) {
	s, st := newSupervisor(t, nil, Options{})
	s.Register(ComponentEventBus, newFakeRunner("bus", nil))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	report := s.HealthCheck(context.Background())
	assert.True(t, report.Healthy())
	assert.Equal(t, StatusHealthy, report.Store)
	require.Len(t, report.Components, 1)
	assert.True(t, report.Components[0].Running)

	stored, err := st.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestHealthCheck_DetachedComponentAlertsWithoutRestart(t *testing.T) {
	s, st := newSupervisor(t, nil, Options{})
	r := newFakeRunner("bus", nil)
	s.Register(ComponentEventBus, r)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	r.detach()
	report := s.HealthCheck(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Components, 1)
	assert.True(t, report.Components[0].Running)
	assert.False(t, report.Components[0].Attached)
	assert.Equal(t, 1, r.starts)

	// same hour, same problem: one alert, still no restart
	report = s.HealthCheck(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, 1, r.starts)

	stored, err := st.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, alerts.TypeDegraded, stored[0].Type)
	assert.Equal(t, ComponentEventBus, stored[0].EntityID)

	// recovery is the manual restart
	require.NoError(t, s.Restart(context.Background(), ComponentEventBus))
	assert.Equal(t, 2, r.starts)
	assert.True(t, s.HealthCheck(context.Background()).Healthy())
}

type recordingRaiser struct {
	raised []alerts.Alert
}

func (r *recordingRaiser) Raise(ctx context.Context, a alerts.Alert) (bool, error) {
	r.raised = append(r.raised, a)
	return true, nil
}

func TestHealthCheck_StoreUnavailable(t *testing.T) {
	st := store.NewMemory()
	st.SetHealthError(stderrors.New("connection refused"))
	raiser := &recordingRaiser{}
	s := New(st, raiser, nil, Options{}, logger.NewTestLogger(t))

	report := s.HealthCheck(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Store)
	assert.Contains(t, report.StoreError, "connection refused")

	require.Len(t, raiser.raised, 1)
	assert.Equal(t, alerts.TypeStoreUnavailable, raiser.raised[0].Type)
	assert.Equal(t, "critical", string(raiser.raised[0].Severity))
	assert.Contains(t, raiser.raised[0].DedupeKey, "store_unavailable:primary:")
}

func TestHealthCheck_StoppedComponentIsDegraded(t *testing.T) {
	s, _ := newSupervisor(t, nil, Options{})
	r := newFakeRunner("bus", nil)
	s.Register(ComponentEventBus, r)

	report := s.HealthCheck(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.False(t, report.Components[0].Running)
	assert.Equal(t, 0, r.starts)
}

func TestRevenueJobsRunOnSchedule(t *testing.T) {
	jobs := &countingJobs{}
	s, _ := newSupervisor(t, jobs, Options{RetrySchedule: "@every 1s", ReconcileSchedule: "@every 1s"})
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		retries, reconciles := jobs.counts()
		return retries > 0 && reconciles > 0
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
