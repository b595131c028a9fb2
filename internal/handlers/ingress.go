package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/lifecycle"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/scheduler"
)

const actorWebhook = "webhook"

// DeadlineApproaching settles a deadline that has already passed, otherwise raises an urgency
// alert once per application and deadline kind.
func (h *Handlers) DeadlineApproaching(ctx context.Context, e eventbus.Event) error {
	var p eventbus.DeadlineApproaching
	if err := e.Decode(&p); err != nil {
		return err
	}

	app, err := h.Store.GetApplication(ctx, p.ApplicationID)
	if err != nil {
		return h.rejectIngress(NameDeadlineApproaching, err, p.ApplicationID)
	}

	var (
		kind     scheduler.Kind
		deadline *time.Time
	)
	switch app.Status {
	case models.StatusPendingOffers:
		kind, deadline = scheduler.KindAuction, app.AuctionEndTime
	case models.StatusOfferReceived:
		kind, deadline = scheduler.KindOfferSelection, app.OfferSelectionEndTime
	}
	if deadline == nil || (p.Kind != "" && p.Kind != string(kind)) {
		h.log.Info("no live deadline for notice", map[string]interface{}{
			"applicationId": app.ID,
			"status":        string(app.Status),
			"kind":          p.Kind,
		})
		return nil
	}

	left := time.Until(*deadline)
	if left <= 0 {
		if kind == scheduler.KindAuction {
			_, err = h.Machine.ResolveAuction(ctx, app.ID, actorWebhook)
		} else {
			_, err = h.Machine.ExpireOfferSelection(ctx, app.ID, actorWebhook)
		}
		if stderrors.Is(err, errors.ErrStaleState) || stderrors.Is(err, errors.ErrInvalidTransition) {
			return h.rejectIngress(NameDeadlineApproaching, err, app.ID)
		}
		return err
	}

	h.Scheduler.Arm(app)

	severity := models.SeverityHigh
	if left < time.Hour {
		severity = models.SeverityCritical
	}
	_, err = h.Alerts.Raise(ctx, alerts.Alert{
		Type:       alerts.TypeDeadlineApproaching,
		Severity:   severity,
		Title:      fmt.Sprintf("%s deadline approaching", kind),
		Message:    fmt.Sprintf("application %s reaches its %s deadline at %s", app.ID, kind, deadline.Format(time.RFC3339)),
		EntityType: "application",
		EntityID:   app.ID,
		DedupeKey:  fmt.Sprintf("deadline_approaching:%s:%s", app.ID, kind),
	})
	return err
}

// ManualStatusTransition applies the strict transition an operator asked for.
func (h *Handlers) ManualStatusTransition(ctx context.Context, e eventbus.Event) error {
	var p eventbus.ManualStatusTransition
	if err := e.Decode(&p); err != nil {
		return err
	}

	from, err := lifecycle.ParseStatus(string(p.FromStatus))
	if err != nil {
		return h.rejectIngress(NameManualTransition, errors.NewMalformedEventError(err.Error()), p.ApplicationID)
	}
	to, err := lifecycle.ParseStatus(string(p.ToStatus))
	if err != nil {
		return h.rejectIngress(NameManualTransition, errors.NewMalformedEventError(err.Error()), p.ApplicationID)
	}

	actor := p.Actor
	if actor == "" {
		actor = actorWebhook
	}
	if to == models.StatusCompleted && p.BankID != "" {
		if from != models.StatusOfferReceived {
			return h.rejectIngress(NameManualTransition,
				errors.NewInvalidTransitionError(p.ApplicationID, string(from), string(to), "not an edge of the state machine"), p.ApplicationID)
		}
		_, err = h.Machine.SelectOffer(ctx, p.ApplicationID, p.BankID, actor)
	} else {
		_, err = h.Machine.Transition(ctx, lifecycle.Request{
			ApplicationID: p.ApplicationID,
			From:          from,
			To:            to,
			Reason:        p.Reason,
			Actor:         actor,
		})
	}
	if err != nil && !errors.IsRetryable(err) {
		return h.rejectIngress(NameManualTransition, err, p.ApplicationID)
	}
	return err
}

// ExternalPaymentReceived settles a collection paid outside the billing gateway.
func (h *Handlers) ExternalPaymentReceived(ctx context.Context, e eventbus.Event) error {
	var p eventbus.ExternalPaymentReceived
	if err := e.Decode(&p); err != nil {
		return err
	}

	source := actorWebhook
	if p.Reference != "" {
		source = actorWebhook + ":" + p.Reference
	}
	_, err := h.Ledger.MarkCollected(ctx, p.CollectionID, p.Amount, source)
	if stderrors.Is(err, errors.ErrCollectionNotFound) {
		return h.rejectIngress(NameExternalPayment, err, p.CollectionID)
	}
	return err
}

// ApplicationSubmitted creates a new application for the business.
func (h *Handlers) ApplicationSubmitted(ctx context.Context, e eventbus.Event) error {
	var p eventbus.ApplicationSubmitted
	if err := e.Decode(&p); err != nil {
		return err
	}
	_, err := h.Machine.Submit(ctx, p.BusinessID)
	return err
}

// PurchaseSubmitted records a bank's purchase. Purchases on a closed auction are dropped.
func (h *Handlers) PurchaseSubmitted(ctx context.Context, e eventbus.Event) error {
	var p eventbus.PurchaseSubmitted
	if err := e.Decode(&p); err != nil {
		return err
	}
	_, err := h.Ledger.RecordPurchase(ctx, p.ApplicationID, p.BankID)
	if err != nil && !errors.IsRetryable(err) {
		return h.rejectIngress(NameRecordPurchase, err, p.ApplicationID)
	}
	return err
}

// OfferSelected completes an application with the business's chosen offer.
func (h *Handlers) OfferSelected(ctx context.Context, e eventbus.Event) error {
	var p eventbus.OfferSelected
	if err := e.Decode(&p); err != nil {
		return err
	}
	actor := p.Actor
	if actor == "" {
		actor = actorWebhook
	}
	_, err := h.Machine.SelectOffer(ctx, p.ApplicationID, p.BankID, actor)
	if err != nil && !errors.IsRetryable(err) {
		return h.rejectIngress(NameSelectOffer, err, p.ApplicationID)
	}
	return err
}

// rejectIngress logs a request that can never succeed and drops it, so the bus does not retry it.
func (h *Handlers) rejectIngress(handler string, err error, entityID string) error {
	h.errors.Handle(handler, err, map[string]interface{}{"entityId": entityID})
	return nil
}
