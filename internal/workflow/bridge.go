// Package workflow forwards lifecycle changes to Camunda Zeebe process instances.
package workflow

import (
	"context"
	"time"

	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
)

const MessageStatusChanged = "application-status-changed"

// MessagePublisher is satisfied by camunda.Client.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, name, correlationKey, messageID string, variables map[string]interface{}, ttl time.Duration) error
}

// Bridge publishes every status change as a message correlated by application id, so a BPMN
// process waiting on an application can react to it.
type Bridge struct {
	zeebe MessagePublisher
	ttl   time.Duration
	log   logger.Logger
}

func NewBridge(zeebe MessagePublisher, ttl time.Duration, log logger.Logger) *Bridge {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Bridge{zeebe: zeebe, ttl: ttl, log: log.Named("workflow_bridge")}
}

// Handle is a bus Handler for application.status_changed. The event id is the message id, so a
// redelivered event is deduplicated by the broker.
func (b *Bridge) Handle(ctx context.Context, e eventbus.Event) error {
	var sc eventbus.StatusChanged
	if err := e.Decode(&sc); err != nil {
		return err
	}

	vars := map[string]interface{}{
		"applicationId": sc.ApplicationID,
		"fromStatus":    string(sc.From),
		"status":        string(sc.To),
		"actor":         sc.Actor,
		"offersCount":   sc.OffersCount,
		"changedAt":     sc.At.Format(time.RFC3339),
	}
	if sc.AuctionEndTime != nil {
		vars["auctionEndTime"] = sc.AuctionEndTime.Format(time.RFC3339)
	}
	if sc.OfferSelectionEndTime != nil {
		vars["offerSelectionEndTime"] = sc.OfferSelectionEndTime.Format(time.RFC3339)
	}

	if err := b.zeebe.PublishMessage(ctx, MessageStatusChanged, sc.ApplicationID, e.ID, vars, b.ttl); err != nil {
		b.log.Error("failed to publish workflow message", map[string]interface{}{
			"applicationId": sc.ApplicationID,
			"eventId":       e.ID,
			"error":         err.Error(),
		})
		return err
	}

	b.log.Debug("workflow message published", map[string]interface{}{
		"applicationId": sc.ApplicationID,
		"status":        string(sc.To),
	})
	return nil
}
