package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/lifecycle"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	store     *store.Memory
	machine   *lifecycle.Machine
	scheduler *Scheduler
	now       time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store: store.NewMemory(),
		now:   time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	log := logger.NewTestLogger(t)
	f.machine = lifecycle.NewMachine(f.store, nil, lifecycle.DefaultPolicy(), log).WithClock(clock)
	f.scheduler = New(f.store, f.machine, Options{SweepInterval: time.Hour}, log).WithClock(clock)
	return f
}

func (f *schedulerFixture) seed(id string, status models.Status, offers int, mutate func(*models.Application)) {
	app := &models.Application{
		ID:          id,
		BusinessID:  "biz-" + id,
		Status:      status,
		SubmittedAt: f.now.Add(-72 * time.Hour),
		OffersCount: offers,
		PurchasedBy: []string{},
		UpdatedAt:   f.now.Add(-time.Hour),
	}
	for i := 0; i < offers; i++ {
		app.PurchasedBy = append(app.PurchasedBy, "bank-"+string(rune('a'+i)))
	}
	if mutate != nil {
		mutate(app)
	}
	f.store.Seed(app)
}

func at(t time.Time) *time.Time { return &t }

func (f *schedulerFixture) status(t *testing.T, id string) *models.Application {
	t.Helper()
	app, err := f.store.GetApplication(context.Background(), id)
	require.NoError(t, err)
	return app
}

func TestSweepExpiredAuctions_NoOffersAbandons(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seed("app-1", models.StatusPendingOffers, 0, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(-time.Minute))
	})
	f.seed("app-open", models.StatusPendingOffers, 0, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(time.Hour))
	})

	res := f.scheduler.SweepExpiredAuctions(context.Background())
	assert.Equal(t, SweepResult{Processed: 1, Ignored: 1}, res)
	assert.Equal(t, models.StatusAbandoned, f.status(t, "app-1").Status)
	assert.Equal(t, models.StatusPendingOffers, f.status(t, "app-open").Status)

	again := f.scheduler.SweepExpiredAuctions(context.Background())
	assert.Equal(t, SweepResult{}, again)

	audit, err := f.store.ListAudit(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestSweepExpiredAuctions_WithOffersOpensSelection(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seed("app-1", models.StatusPendingOffers, 2, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(-time.Second))
	})

	res := f.scheduler.SweepExpiredAuctions(context.Background())
	assert.Equal(t, SweepResult{Processed: 1, Completed: 1}, res)

	app := f.status(t, "app-1")
	assert.Equal(t, models.StatusOfferReceived, app.Status)
	require.NotNil(t, app.OfferSelectionEndTime)
	assert.True(t, app.OfferSelectionEndTime.Equal(f.now.Add(24*time.Hour)))
}

func TestSweepExpiredOfferSelections(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seed("app-1", models.StatusOfferReceived, 1, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(-25 * time.Hour))
		a.OfferSelectionEndTime = at(f.now.Add(-time.Hour))
	})

	res := f.scheduler.SweepExpiredOfferSelections(context.Background())
	assert.Equal(t, SweepResult{Processed: 1, Completed: 1}, res)
	assert.Equal(t, models.StatusDealExpired, f.status(t, "app-1").Status)
}

func TestSweepArchivable(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seed("old", models.StatusCompleted, 1, func(a *models.Application) {
		a.UpdatedAt = f.now.Add(-91 * 24 * time.Hour)
	})
	f.seed("recent", models.StatusAbandoned, 0, func(a *models.Application) {
		a.UpdatedAt = f.now.Add(-24 * time.Hour)
	})
	f.seed("live", models.StatusSubmitted, 0, func(a *models.Application) {
		a.UpdatedAt = f.now.Add(-200 * 24 * time.Hour)
	})

	res := f.scheduler.SweepArchivable(context.Background())
	assert.Equal(t, SweepResult{Processed: 1, Completed: 1}, res)
	assert.Equal(t, models.StatusArchived, f.status(t, "old").Status)
	assert.Equal(t, models.StatusAbandoned, f.status(t, "recent").Status)
	assert.Equal(t, models.StatusSubmitted, f.status(t, "live").Status)
}

func TestSweep_StopsBetweenApplicationsWhenCancelled(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seed("app-1", models.StatusPendingOffers, 0, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(-time.Minute))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.scheduler.Sweep(ctx)
	assert.Equal(t, 0, report.Auctions.Processed)
	assert.Equal(t, models.StatusPendingOffers, f.status(t, "app-1").Status)
}

func TestUrgentApplications(t *testing.T) {
	f := newSchedulerFixture(t)
	f.seed("soon", models.StatusPendingOffers, 0, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(30 * time.Minute))
	})
	f.seed("later", models.StatusOfferReceived, 1, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(-20 * time.Hour))
		a.OfferSelectionEndTime = at(f.now.Add(90 * time.Minute))
	})
	f.seed("far", models.StatusPendingOffers, 0, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(3 * time.Hour))
	})
	f.seed("expired", models.StatusPendingOffers, 0, func(a *models.Application) {
		a.AuctionEndTime = at(f.now.Add(-time.Minute))
	})

	urgent, err := f.scheduler.UrgentApplications(context.Background())
	require.NoError(t, err)
	require.Len(t, urgent, 2)

	assert.Equal(t, "soon", urgent[0].ApplicationID)
	assert.Equal(t, KindAuction, urgent[0].Kind)
	assert.Equal(t, "critical", urgent[0].Priority)
	assert.Equal(t, 30, urgent[0].MinutesLeft)

	assert.Equal(t, "later", urgent[1].ApplicationID)
	assert.Equal(t, KindOfferSelection, urgent[1].Kind)
	assert.Equal(t, "high", urgent[1].Priority)

	// read-only
	assert.Equal(t, models.StatusPendingOffers, f.status(t, "expired").Status)
}

func TestTimers_FireCancelStop(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]Kind{}
	timers := NewTimers(func(id string, kind Kind) {
		mu.Lock()
		defer mu.Unlock()
		fired[id] = kind
	})

	assert.True(t, timers.Arm("fire", KindAuction, time.Now().Add(10*time.Millisecond)))
	assert.True(t, timers.Arm("cancel", KindAuction, time.Now().Add(10*time.Millisecond)))
	timers.Cancel("cancel", KindAuction)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["fire"] == KindAuction
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, timers.Len())

	assert.True(t, timers.Arm("stopped", KindOfferSelection, time.Now().Add(20*time.Millisecond)))
	timers.Stop()
	assert.False(t, timers.Arm("late", KindAuction, time.Now()))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, fired, "cancel")
	assert.NotContains(t, fired, "stopped")
	assert.NotContains(t, fired, "late")
}

func TestTimers_RearmReplacesDeadline(t *testing.T) {
	var mu sync.Mutex
	count := 0
	timers := NewTimers(func(string, Kind) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer timers.Stop()

	timers.Arm("app", KindAuction, time.Now().Add(10*time.Millisecond))
	timers.Arm("app", KindAuction, time.Now().Add(time.Hour))
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
	assert.Equal(t, 1, timers.Len())
}

func TestScheduler_TimerResolvesAuction(t *testing.T) {
	st := store.NewMemory()
	log := logger.NewTestLogger(t)
	machine := lifecycle.NewMachine(st, nil, lifecycle.DefaultPolicy(), log)
	s := New(st, machine, Options{SweepInterval: time.Hour}, log)

	end := time.Now().UTC().Add(200 * time.Millisecond)
	app := &models.Application{
		ID: "app-1", BusinessID: "biz", Status: models.StatusPendingOffers,
		SubmittedAt: time.Now().UTC(), AuctionEndTime: &end, PurchasedBy: []string{}, UpdatedAt: time.Now().UTC(),
	}
	st.Seed(app)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.True(t, s.Running())
	assert.Equal(t, 1, s.Timers().Len())

	s.Arm(app)
	assert.Eventually(t, func() bool {
		got, err := st.GetApplication(context.Background(), "app-1")
		return err == nil && got.Status == models.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_ArmFollowsStatus(t *testing.T) {
	f := newSchedulerFixture(t)
	defer f.scheduler.Timers().Stop()
	app := &models.Application{ID: "app-1", Status: models.StatusPendingOffers, AuctionEndTime: at(time.Now().Add(time.Hour))}
	f.scheduler.Arm(app)
	assert.Equal(t, 1, f.scheduler.Timers().Len())

	app.Status = models.StatusOfferReceived
	app.OfferSelectionEndTime = at(time.Now().Add(24 * time.Hour))
	f.scheduler.Arm(app)
	assert.Equal(t, 1, f.scheduler.Timers().Len())

	app.Status = models.StatusCompleted
	f.scheduler.Arm(app)
	assert.Equal(t, 0, f.scheduler.Timers().Len())
}

func TestScheduler_StopIsSafeWithoutStart(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.Stop()
	assert.False(t, f.scheduler.Running())
}
