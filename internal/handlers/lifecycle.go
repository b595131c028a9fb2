package handlers

import (
	"context"
	stderrors "errors"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/lifecycle"
	"lifecycle-engine/internal/models"
)

// ApplicationCreated opens the auction as soon as the creating transaction is visible.
func (h *Handlers) ApplicationCreated(ctx context.Context, e eventbus.Event) error {
	var p eventbus.ApplicationCreated
	if err := e.Decode(&p); err != nil {
		return err
	}

	res, err := h.Machine.Advance(ctx, lifecycle.Request{
		ApplicationID: p.ApplicationID,
		From:          models.StatusSubmitted,
		To:            models.StatusPendingOffers,
		Reason:        "application created",
		Actor:         "handler:" + NameAdvanceCreated,
	})
	if stderrors.Is(err, errors.ErrStaleState) {
		// moved past pending_offers already
		h.log.Debug("created application already advanced", map[string]interface{}{"applicationId": p.ApplicationID})
		return nil
	}
	if err != nil {
		return err
	}
	if res.NoOp {
		h.log.Debug("auction already open", map[string]interface{}{"applicationId": p.ApplicationID})
	}
	return nil
}

// StatusChanged keeps the deadline timers in step with the new status.
func (h *Handlers) StatusChanged(ctx context.Context, e eventbus.Event) error {
	var p eventbus.StatusChanged
	if err := e.Decode(&p); err != nil {
		return err
	}
	h.Scheduler.Arm(&models.Application{
		ID:                    p.ApplicationID,
		Status:                p.To,
		AuctionEndTime:        p.AuctionEndTime,
		OfferSelectionEndTime: p.OfferSelectionEndTime,
		OffersCount:           p.OffersCount,
	})
	return nil
}
