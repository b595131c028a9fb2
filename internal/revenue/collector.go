package revenue

import (
	"context"
	stderrors "errors"
	"time"

	"lifecycle-engine/internal/common/errors"
	apphttp "lifecycle-engine/internal/common/http"
	"lifecycle-engine/internal/models"
)

// Collector charges the fee for one collection entry and returns the amount actually charged.
type Collector interface {
	Collect(ctx context.Context, c models.RevenueCollection) (float64, error)
}

// HTTPCollector charges through the billing gateway.
type HTTPCollector struct {
	client *apphttp.Client
	url    string
}

type chargeRequest struct {
	CollectionID   string  `json:"collectionId"`
	ApplicationID  string  `json:"applicationId"`
	BankID         string  `json:"bankId"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

type chargeResponse struct {
	Status string  `json:"status"`
	Amount float64 `json:"amount"`
	Error  string  `json:"error,omitempty"`
}

func NewHTTPCollector(url, apiKey string, timeout time.Duration, retries int) *HTTPCollector {
	client := apphttp.NewClient(timeout).WithRetries(retries, 500*time.Millisecond)
	if apiKey != "" {
		client.WithHeader("Authorization", "Bearer "+apiKey)
	}
	return &HTTPCollector{client: client, url: url}
}

func (h *HTTPCollector) Collect(ctx context.Context, c models.RevenueCollection) (float64, error) {
	var resp chargeResponse
	err := h.client.PostJSON(ctx, "billing", h.url, chargeRequest{
		CollectionID:   c.ID,
		ApplicationID:  c.ApplicationID,
		BankID:         c.BankID,
		Amount:         c.Amount,
		IdempotencyKey: c.ID,
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Status != "collected" && resp.Status != "succeeded" {
		reason := resp.Error
		if reason == "" {
			reason = "gateway status " + resp.Status
		}
		return 0, errors.NewCollectionFailedError(c.ID, stderrors.New(reason))
	}
	if resp.Amount == 0 {
		resp.Amount = c.Amount
	}
	return resp.Amount, nil
}
