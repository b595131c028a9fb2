// Package scheduler drives deadline expiry: in-process timers for latency and a periodic
// sweep that survives restarts.
package scheduler

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/lifecycle"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/store"
)

const (
	actorSweep = "scheduler.sweep"
	actorTimer = "scheduler.timer"
)

type Options struct {
	SweepInterval time.Duration
	UrgentWindow  time.Duration
	BatchSize     int
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		SweepInterval: cfg.SweepInterval,
		UrgentWindow:  cfg.UrgentWindow,
		BatchSize:     cfg.BatchSize,
	}
}

// SweepResult counts one sweep pass. For auctions Completed means moved to offer_received and
// Ignored means ended with no offers; for the other sweeps Completed counts applied transitions.
type SweepResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Ignored   int `json:"ignored"`
	Failed    int `json:"failed"`
}

type SweepReport struct {
	Auctions        SweepResult `json:"auctions"`
	OfferSelections SweepResult `json:"offerSelections"`
	Archived        SweepResult `json:"archived"`
	StartedAt       time.Time   `json:"startedAt"`
	Duration        string      `json:"duration"`
}

type Urgent struct {
	ApplicationID string        `json:"applicationId"`
	BusinessID    string        `json:"businessId"`
	Status        models.Status `json:"status"`
	Kind          Kind          `json:"kind"`
	Deadline      time.Time     `json:"deadline"`
	MinutesLeft   int           `json:"minutesLeft"`
	Priority      string        `json:"priority"`
}

type Scheduler struct {
	store   store.Store
	machine *lifecycle.Machine
	timers  *Timers
	opts    Options
	log     logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	lastSweep time.Time

	sweepMu sync.Mutex
}

func New(st store.Store, machine *lifecycle.Machine, opts Options, log logger.Logger) *Scheduler {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.UrgentWindow <= 0 {
		opts.UrgentWindow = 2 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	s := &Scheduler{
		store:   st,
		machine: machine,
		opts:    opts,
		log:     log.Named("scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
		runCtx:  context.Background(),
	}
	s.timers = NewTimers(s.onTimer)
	return s
}

// WithClock replaces the wall clock used for sweep queries, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Timers() *Timers {
	return s.timers
}

// Start runs one sweep immediately, re-arms timers for upcoming deadlines and then sweeps on
// every interval. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.timers.Reset()
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	if err := s.rearm(runCtx); err != nil {
		s.log.Warn("failed to re-arm deadline timers", map[string]interface{}{"error": err.Error()})
	}

	go s.loop(runCtx, s.done)
	s.log.Info("scheduler started", map[string]interface{}{"sweepInterval": s.opts.SweepInterval.String()})
	return nil
}

// Stop cancels timers and the sweep loop and waits until no sweep or timer callback is running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.timers.Stop()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.timers.Stop()
	cancel()
	<-done
	s.log.Info("scheduler stopped", nil)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every sweep once. Cancelling ctx stops it between applications; a transition
// already started is allowed to commit.
func (s *Scheduler) Sweep(ctx context.Context) *SweepReport {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	report := &SweepReport{StartedAt: s.now()}
	start := time.Now()
	report.Auctions = s.SweepExpiredAuctions(ctx)
	report.OfferSelections = s.SweepExpiredOfferSelections(ctx)
	report.Archived = s.SweepArchivable(ctx)
	report.Duration = time.Since(start).String()

	s.mu.Lock()
	s.lastSweep = report.StartedAt
	s.mu.Unlock()

	if report.Auctions.Processed+report.OfferSelections.Processed+report.Archived.Processed > 0 {
		s.log.Info("sweep finished", map[string]interface{}{
			"auctions":        report.Auctions,
			"offerSelections": report.OfferSelections,
			"archived":        report.Archived,
			"duration":        report.Duration,
		})
	}
	return report
}

// SweepExpiredAuctions resolves every pending_offers application whose auction has ended.
func (s *Scheduler) SweepExpiredAuctions(ctx context.Context) SweepResult {
	return s.sweep(ctx, "auctions",
		func(ctx context.Context) ([]string, error) {
			return s.store.ListExpiredAuctions(ctx, s.now(), s.opts.BatchSize)
		},
		func(ctx context.Context, id string) (*lifecycle.Result, error) {
			return s.machine.ResolveAuction(ctx, id, actorSweep)
		},
		func(r *SweepResult, res *lifecycle.Result) {
			switch res.Application.Status {
			case models.StatusOfferReceived:
				r.Completed++
			case models.StatusAbandoned:
				r.Ignored++
			}
		})
}

// SweepExpiredOfferSelections moves offer_received applications past their selection window to deal_expired.
func (s *Scheduler) SweepExpiredOfferSelections(ctx context.Context) SweepResult {
	return s.sweep(ctx, "offer_selections",
		func(ctx context.Context) ([]string, error) {
			return s.store.ListExpiredOfferSelections(ctx, s.now(), s.opts.BatchSize)
		},
		func(ctx context.Context, id string) (*lifecycle.Result, error) {
			return s.machine.ExpireOfferSelection(ctx, id, actorSweep)
		},
		func(r *SweepResult, _ *lifecycle.Result) { r.Completed++ })
}

// SweepArchivable archives final applications older than the retention window.
func (s *Scheduler) SweepArchivable(ctx context.Context) SweepResult {
	retention := s.machine.Policy().ArchiveRetention
	return s.sweep(ctx, "archive",
		func(ctx context.Context) ([]string, error) {
			return s.store.ListArchivable(ctx, s.now().Add(-retention), s.opts.BatchSize)
		},
		func(ctx context.Context, id string) (*lifecycle.Result, error) {
			return s.machine.Archive(ctx, id, actorSweep)
		},
		func(r *SweepResult, _ *lifecycle.Result) { r.Completed++ })
}

func (s *Scheduler) sweep(ctx context.Context, name string,
	list func(context.Context) ([]string, error),
	apply func(context.Context, string) (*lifecycle.Result, error),
	tally func(*SweepResult, *lifecycle.Result)) SweepResult {

	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds()) }()

	var result SweepResult
	ids, err := list(ctx)
	if err != nil {
		s.log.Error("sweep query failed", map[string]interface{}{"sweep": name, "error": err.Error()})
		return result
	}

	// each transition runs in its own transaction; one that has begun is not cut short by shutdown
	txCtx := context.WithoutCancel(ctx)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result.Processed++

		res, err := apply(txCtx, id)
		if err != nil {
			result.Failed++
			metrics.SweepApplications.WithLabelValues(name, "failed").Inc()
			s.log.Warn("sweep transition failed", map[string]interface{}{
				"sweep":         name,
				"applicationId": id,
				"errorCode":     string(errors.CodeOf(err)),
				"error":         err.Error(),
			})
			continue
		}
		if res.NoOp {
			metrics.SweepApplications.WithLabelValues(name, "noop").Inc()
			continue
		}
		metrics.SweepApplications.WithLabelValues(name, string(res.Application.Status)).Inc()
		tally(&result, res)
	}
	return result
}

// UrgentApplications lists live applications whose current deadline falls inside the urgent
// window, soonest first. Under an hour left is critical, otherwise high.
func (s *Scheduler) UrgentApplications(ctx context.Context) ([]Urgent, error) {
	now := s.now()
	apps, err := s.store.ListDeadlinesBetween(ctx, now, now.Add(s.opts.UrgentWindow))
	if err != nil {
		return nil, err
	}

	out := make([]Urgent, 0, len(apps))
	for _, app := range apps {
		kind, deadline, ok := currentDeadline(&app)
		if !ok {
			continue
		}
		left := deadline.Sub(now)
		priority := "high"
		if left < time.Hour {
			priority = "critical"
		}
		out = append(out, Urgent{
			ApplicationID: app.ID,
			BusinessID:    app.BusinessID,
			Status:        app.Status,
			Kind:          kind,
			Deadline:      deadline,
			MinutesLeft:   int(left.Minutes()),
			Priority:      priority,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// Arm keeps the timers in step with app's current status: the deadline it is waiting on is
// armed and any other is dropped.
func (s *Scheduler) Arm(app *models.Application) {
	kind, deadline, ok := currentDeadline(app)
	for _, k := range []Kind{KindAuction, KindOfferSelection} {
		if !ok || k != kind {
			s.timers.Cancel(app.ID, k)
		}
	}
	if !ok {
		return
	}
	if s.timers.Arm(app.ID, kind, deadline) {
		s.log.Debug("deadline timer armed", map[string]interface{}{
			"applicationId": app.ID,
			"kind":          string(kind),
			"deadline":      deadline,
		})
	}
}

func (s *Scheduler) rearm(ctx context.Context) error {
	policy := s.machine.Policy()
	horizon := policy.AuctionWindow
	if policy.OfferSelectionWindow > horizon {
		horizon = policy.OfferSelectionWindow
	}
	now := s.now()
	apps, err := s.store.ListDeadlinesBetween(ctx, now, now.Add(horizon))
	if err != nil {
		return err
	}
	for i := range apps {
		s.Arm(&apps[i])
	}
	return nil
}

func (s *Scheduler) onTimer(applicationID string, kind Kind) {
	s.mu.Lock()
	ctx := context.WithoutCancel(s.runCtx)
	s.mu.Unlock()

	var err error
	switch kind {
	case KindAuction:
		_, err = s.machine.ResolveAuction(ctx, applicationID, actorTimer)
	case KindOfferSelection:
		_, err = s.machine.ExpireOfferSelection(ctx, applicationID, actorTimer)
	}
	if err == nil {
		return
	}

	fields := map[string]interface{}{
		"applicationId": applicationID,
		"kind":          string(kind),
		"error":         err.Error(),
	}
	// the sweep retries whatever the timer could not settle
	if stderrors.Is(err, errors.ErrStaleState) || stderrors.Is(err, errors.ErrInvalidTransition) {
		s.log.Debug("deadline timer skipped", fields)
		return
	}
	s.log.Warn("deadline timer transition failed", fields)
}

func currentDeadline(app *models.Application) (Kind, time.Time, bool) {
	switch app.Status {
	case models.StatusPendingOffers:
		if app.AuctionEndTime != nil {
			return KindAuction, *app.AuctionEndTime, true
		}
	case models.StatusOfferReceived:
		if app.OfferSelectionEndTime != nil {
			return KindOfferSelection, *app.OfferSelectionEndTime, true
		}
	}
	return "", time.Time{}, false
}
