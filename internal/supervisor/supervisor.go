// Package supervisor starts, stops and health-checks the long-running engine components.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/revenue"

	"github.com/robfig/cron/v3"
)

// Well-known component names.
const (
	ComponentEventBus  = "event_bus"
	ComponentScheduler = "scheduler"
)

// Runner is a supervised component. eventbus.Bus and scheduler.Scheduler satisfy it.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// attacher is implemented by components that can be running but cut off from their input.
type attacher interface {
	Attached() bool
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type AlertRaiser interface {
	Raise(ctx context.Context, a alerts.Alert) (bool, error)
}

// RevenueJobs is the part of the ledger run on a schedule.
type RevenueJobs interface {
	RetryFailed(ctx context.Context) (*revenue.RetryResult, error)
	Reconcile(ctx context.Context) (*revenue.ReconcileResult, error)
}

type Options struct {
	HealthCheckSchedule string
	RetrySchedule       string
	ReconcileSchedule   string
}

func OptionsFromConfig(s config.SupervisorConfig, r config.RevenueConfig) Options {
	return Options{
		HealthCheckSchedule: s.HealthCheckSchedule,
		RetrySchedule:       r.RetrySchedule,
		ReconcileSchedule:   r.ReconcileSchedule,
	}
}

type component struct {
	name   string
	runner Runner
}

type Supervisor struct {
	store   HealthChecker
	alerts  AlertRaiser
	revenue RevenueJobs
	opts    Options
	log     logger.Logger
	now     func() time.Time

	mu         sync.Mutex
	components []component
	cron       *cron.Cron
	runCtx     context.Context
	cancel     context.CancelFunc
	running    bool
}

// New builds a supervisor. revenue may be nil, in which case no revenue jobs are scheduled.
func New(st HealthChecker, raiser AlertRaiser, rev RevenueJobs, opts Options, log logger.Logger) *Supervisor {
	if opts.HealthCheckSchedule == "" {
		opts.HealthCheckSchedule = "@every 5m"
	}
	return &Supervisor{
		store:   st,
		alerts:  raiser,
		revenue: rev,
		opts:    opts,
		log:     log.Named("supervisor"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a component. Components start in registration order and stop in reverse.
func (s *Supervisor) Register(name string, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, component{name: name, runner: r})
}

// Start starts every component and the scheduled jobs. Calling Start twice is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Debug("supervisor already running", nil)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	for i, c := range s.components {
		if err := c.runner.Start(runCtx); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.components[j].runner.Stop()
			}
			cancel()
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		metrics.ComponentUp.WithLabelValues(c.name).Set(1)
		s.log.Info("component started", map[string]interface{}{"component": c.name})
	}

	jobs, err := s.newCron(runCtx)
	if err != nil {
		for j := len(s.components) - 1; j >= 0; j-- {
			s.components[j].runner.Stop()
		}
		cancel()
		return err
	}
	jobs.Start()

	s.cron = jobs
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	s.log.Info("supervisor started", map[string]interface{}{"components": len(s.components)})
	return nil
}

func (s *Supervisor) newCron(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))

	type job struct {
		name     string
		schedule string
		run      func()
	}
	jobs := []job{{"health_check", s.opts.HealthCheckSchedule, func() { s.HealthCheck(ctx) }}}
	if s.revenue != nil {
		jobs = append(jobs,
			job{"revenue_retry", s.opts.RetrySchedule, func() { s.runRetry(ctx) }},
			job{"revenue_reconcile", s.opts.ReconcileSchedule, func() { s.runReconcile(ctx) }},
		)
	}

	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := c.AddFunc(j.schedule, j.run); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.schedule, err)
		}
		s.log.Info("scheduled job", map[string]interface{}{"job": j.name, "schedule": j.schedule})
	}
	return c, nil
}

// Stop stops the scheduled jobs and every component. It waits for running jobs until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	jobs, cancel := s.cron, s.cancel
	components := append([]component(nil), s.components...)
	s.mu.Unlock()

	select {
	case <-jobs.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduled jobs still running at shutdown", nil)
	}

	for i := len(components) - 1; i >= 0; i-- {
		components[i].runner.Stop()
		metrics.ComponentUp.WithLabelValues(components[i].name).Set(0)
		s.log.Info("component stopped", map[string]interface{}{"component": components[i].name})
	}
	cancel()
	s.log.Info("supervisor stopped", nil)
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Restart stops and starts one component.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mu.Lock()
	var target Runner
	for _, c := range s.components {
		if c.name == name {
			target = c.runner
		}
	}
	runCtx := s.runCtx
	running := s.running
	s.mu.Unlock()

	if target == nil {
		return errors.NewUnknownComponentError(name)
	}
	if !running || runCtx == nil {
		runCtx = ctx
	}

	target.Stop()
	metrics.ComponentUp.WithLabelValues(name).Set(0)
	if err := target.Start(runCtx); err != nil {
		s.log.Error("component restart failed", map[string]interface{}{"component": name, "error": err.Error()})
		return err
	}
	metrics.ComponentUp.WithLabelValues(name).Set(1)
	s.log.Info("component restarted", map[string]interface{}{"component": name})
	return nil
}

func (s *Supervisor) runRetry(ctx context.Context) {
	if _, err := s.revenue.RetryFailed(ctx); err != nil {
		s.log.Error("revenue retry job failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Supervisor) runReconcile(ctx context.Context) {
	if _, err := s.revenue.Reconcile(ctx); err != nil {
		s.log.Error("revenue reconcile job failed", map[string]interface{}{"error": err.Error()})
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	c.log.Error(msg, fields)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

// alertKey buckets dedupe keys by hour so a persisting problem alerts once an hour.
func alertKey(kind, subject string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", kind, subject, at.Truncate(time.Hour).Format("2006010215"))
}

func (s *Supervisor) raise(ctx context.Context, a alerts.Alert) {
	if s.alerts == nil {
		return
	}
	if _, err := s.alerts.Raise(ctx, a); err != nil {
		s.log.Error("failed to raise alert", map[string]interface{}{"type": a.Type, "error": err.Error()})
	}
}
