// Package alerts records System Alerts and fans them out to operators.
package alerts

import (
	"context"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/store"

	"github.com/google/uuid"
)

// Well-known alert types.
const (
	TypeDegraded            = "degraded"
	TypeStoreUnavailable    = "store_unavailable"
	TypeCollectionFailed    = "collection_failed"
	TypeRevenueMismatch     = "revenue_mismatch"
	TypeRevenueDrift        = "revenue_drift"
	TypeDeadlineApproaching = "deadline_approaching"
)

type Publisher interface {
	Publish(ctx context.Context, channel, applicationID string, payload interface{}) error
}

// Alert is a request to raise a System Alert. Alerts with the same DedupeKey are stored once.
type Alert struct {
	Type       string
	Severity   models.Severity
	Title      string
	Message    string
	EntityType string
	EntityID   string
	DedupeKey  string
}

type Service struct {
	store store.Store
	pub   Publisher
	log   logger.Logger
}

func NewService(st store.Store, pub Publisher, log logger.Logger) *Service {
	return &Service{store: st, pub: pub, log: log.Named("alerts")}
}

// Raise stores the alert and publishes alert.created. It reports false when a duplicate was suppressed.
func (s *Service) Raise(ctx context.Context, a Alert) (bool, error) {
	alert := &models.SystemAlert{
		ID:         uuid.New().String(),
		Type:       a.Type,
		Severity:   a.Severity,
		Title:      a.Title,
		Message:    a.Message,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		DedupeKey:  a.DedupeKey,
		CreatedAt:  time.Now().UTC(),
	}

	var created bool
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		created, err = tx.InsertAlert(ctx, alert)
		return err
	})
	if err != nil {
		s.log.Error("failed to store alert", map[string]interface{}{
			"type":    a.Type,
			"message": a.Message,
			"error":   err.Error(),
		})
		return false, err
	}
	if !created {
		s.log.Debug("duplicate alert suppressed", map[string]interface{}{"dedupeKey": a.DedupeKey})
		return false, nil
	}

	metrics.AlertsRaised.WithLabelValues(a.Type, string(a.Severity)).Inc()
	s.log.Warn("system alert raised", map[string]interface{}{
		"alertId":  alert.ID,
		"type":     a.Type,
		"severity": string(a.Severity),
		"entityId": a.EntityID,
	})

	if s.pub != nil {
		if err := s.pub.Publish(ctx, eventbus.ChannelAlertCreated, a.EntityID, eventbus.AlertCreated{
			AlertID:    alert.ID,
			Type:       alert.Type,
			Severity:   alert.Severity,
			Title:      alert.Title,
			Message:    alert.Message,
			EntityType: alert.EntityType,
			EntityID:   alert.EntityID,
		}); err != nil {
			s.log.Error("failed to publish alert", map[string]interface{}{"alertId": alert.ID, "error": err.Error()})
		}
	}
	return true, nil
}

// FromError builds the alert err escalates to. It reports false for errors that never alert.
func FromError(err error, entityType, entityID, dedupeKey string) (Alert, bool) {
	info, ok := errors.AlertFor(err)
	if !ok {
		return Alert{}, false
	}
	return Alert{
		Type:       info.Type,
		Severity:   models.Severity(info.Severity),
		Title:      info.Title,
		Message:    err.Error(),
		EntityType: entityType,
		EntityID:   entityID,
		DedupeKey:  dedupeKey,
	}, true
}
