package handlers

import (
	"context"
	stderrors "errors"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
)

// RevenueStatusChanged charges new pending entries. Failed attempts are left to the retry pass.
func (h *Handlers) RevenueStatusChanged(ctx context.Context, e eventbus.Event) error {
	var p eventbus.RevenueChanged
	if err := e.Decode(&p); err != nil {
		return err
	}
	if p.Status != models.CollectionPending || !h.Ledger.HasCollector() {
		return nil
	}

	_, err := h.Ledger.Collect(ctx, p.CollectionID)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errors.ErrCollectionFailed), stderrors.Is(err, errors.ErrCollectionExhausted):
		return nil
	default:
		return err
	}
}

func (h *Handlers) CollectionFailed(ctx context.Context, e eventbus.Event) error {
	var p eventbus.RevenueChanged
	if err := e.Decode(&p); err != nil {
		return err
	}
	maxAttempts := h.Ledger.MaxAttempts()
	h.log.Warn("revenue collection failed", map[string]interface{}{
		"collectionId":  p.CollectionID,
		"applicationId": p.ApplicationID,
		"attempt":       p.RetryCount,
		"maxAttempts":   maxAttempts,
		"willRetry":     p.RetryCount < maxAttempts,
		"error":         p.Error,
	})
	return nil
}
