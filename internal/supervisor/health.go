package supervisor

import (
	"context"
	"fmt"
	"time"

	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/models"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type ComponentHealth struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Attached bool   `json:"attached"`
}

// Report is the result of one health check.
type Report struct {
	Status     string            `json:"status"`
	Store      string            `json:"store"`
	StoreError string            `json:"storeError,omitempty"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// HealthCheck checks the store and every component and raises a System Alert for each problem.
// It never restarts anything; recovery is a manual Restart.
func (s *Supervisor) HealthCheck(ctx context.Context) Report {
	now := s.now()
	report := Report{Status: StatusHealthy, Store: StatusHealthy, CheckedAt: now}

	if s.store != nil {
		if err := s.store.HealthCheck(ctx); err != nil {
			report.Status = StatusUnhealthy
			report.Store = StatusUnhealthy
			report.StoreError = err.Error()
			s.log.Error("store health check failed", map[string]interface{}{"error": err.Error()})
			s.raiseFor(ctx, errors.NewStoreUnavailableError("health_check", err), "store", "primary",
				alertKey(alerts.TypeStoreUnavailable, "primary", now))
		}
	}

	s.mu.Lock()
	components := append([]component(nil), s.components...)
	s.mu.Unlock()

	for _, c := range components {
		h := ComponentHealth{Name: c.name, Running: c.runner.Running(), Attached: true}
		if a, ok := c.runner.(attacher); ok {
			h.Attached = a.Attached()
		}

		if !h.Running || !h.Attached {
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			s.log.Warn("component degraded", map[string]interface{}{
				"component": c.name,
				"running":   h.Running,
				"attached":  h.Attached,
			})
			s.raise(ctx, alerts.Alert{
				Type:       alerts.TypeDegraded,
				Severity:   models.SeverityHigh,
				Title:      fmt.Sprintf("%s degraded", c.name),
				Message:    fmt.Sprintf("component %s running=%t attached=%t", c.name, h.Running, h.Attached),
				EntityType: "component",
				EntityID:   c.name,
				DedupeKey:  alertKey(alerts.TypeDegraded, c.name, now),
			})
		}

		up := 0.0
		if h.Running && h.Attached {
			up = 1
		}
		metrics.ComponentUp.WithLabelValues(c.name).Set(up)
		report.Components = append(report.Components, h)
	}

	s.log.Debug("health check complete", map[string]interface{}{"status": report.Status})
	return report
}

func (s *Supervisor) raiseFor(ctx context.Context, err error, entityType, entityID, dedupeKey string) {
	if a, ok := alerts.FromError(err, entityType, entityID, dedupeKey); ok {
		s.raise(ctx, a)
	}
}
