// Package eventbus carries change events between engine components over a pluggable Stream.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/models"
)

// Engine channels.
const (
	ChannelStatusChanged              = "application.status_changed"
	ChannelRevenueStatusChanged       = "revenue.status_changed"
	ChannelApplicationCreated         = "application.created"
	ChannelAlertCreated               = "alert.created"
	ChannelAuctionStarted             = "auction.started"
	ChannelOfferSelectionStarted      = "offer_selection.started"
	ChannelApplicationExpired         = "application.expired"
	ChannelRevenueCollectionFailed    = "revenue.collection_failed"
	ChannelRevenueCollectionCompleted = "revenue.collection_completed"
)

// Ingress channels carry webhook envelopes after validation.
const (
	ChannelDeadlineApproaching     = "webhook.deadline_approaching"
	ChannelManualStatusTransition  = "webhook.manual_status_transition"
	ChannelExternalPaymentReceived = "webhook.external_payment_received"
	ChannelApplicationSubmitted    = "webhook.application_submitted"
	ChannelPurchaseSubmitted       = "webhook.purchase_submitted"
	ChannelOfferSelected           = "webhook.offer_selected"
)

// EngineChannels lists every channel the engine publishes on.
var EngineChannels = []string{
	ChannelStatusChanged,
	ChannelRevenueStatusChanged,
	ChannelApplicationCreated,
	ChannelAlertCreated,
	ChannelAuctionStarted,
	ChannelOfferSelectionStarted,
	ChannelApplicationExpired,
	ChannelRevenueCollectionFailed,
	ChannelRevenueCollectionCompleted,
}

// IngressChannel maps a webhook type to its bus channel.
func IngressChannel(webhookType string) string {
	return "webhook." + webhookType
}

// Event is the envelope carried by every Stream.
type Event struct {
	ID            string          `json:"id"`
	Channel       string          `json:"channel"`
	ApplicationID string          `json:"applicationId,omitempty"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// Decode unmarshals the event data into v. A decode failure is a MalformedEvent.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.NewMalformedEventError(fmt.Sprintf("channel %s: %v", e.Channel, err))
	}
	return nil
}

// --- payloads ---

type ApplicationCreated struct {
	ApplicationID string    `json:"applicationId"`
	BusinessID    string    `json:"businessId"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

type StatusChanged struct {
	ApplicationID         string        `json:"applicationId"`
	From                  models.Status `json:"from"`
	To                    models.Status `json:"to"`
	Actor                 string        `json:"actor"`
	Reason                string        `json:"reason"`
	AuctionEndTime        *time.Time    `json:"auctionEndTime,omitempty"`
	OfferSelectionEndTime *time.Time    `json:"offerSelectionEndTime,omitempty"`
	OffersCount           int           `json:"offersCount"`
	At                    time.Time     `json:"at"`
}

// DeadlineStarted is published on auction.started and offer_selection.started.
type DeadlineStarted struct {
	ApplicationID string    `json:"applicationId"`
	Deadline      time.Time `json:"deadline"`
}

type ApplicationExpired struct {
	ApplicationID string        `json:"applicationId"`
	Status        models.Status `json:"status"`
	OffersCount   int           `json:"offersCount"`
}

type RevenueChanged struct {
	CollectionID  string                  `json:"collectionId"`
	ApplicationID string                  `json:"applicationId"`
	BankID        string                  `json:"bankId"`
	Amount        float64                 `json:"amount"`
	Status        models.CollectionStatus `json:"status"`
	RetryCount    int                     `json:"retryCount"`
	Verified      bool                    `json:"verified"`
	Error         string                  `json:"error,omitempty"`
}

type AlertCreated struct {
	AlertID    string          `json:"alertId"`
	Type       string          `json:"type"`
	Severity   models.Severity `json:"severity"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
}

// --- ingress payloads ---

type DeadlineApproaching struct {
	ApplicationID string `json:"applicationId"`
	// Kind is "auction" or "offer_selection"; empty means whichever deadline is live.
	Kind string `json:"kind,omitempty"`
}

type ManualStatusTransition struct {
	ApplicationID string        `json:"applicationId"`
	FromStatus    models.Status `json:"fromStatus"`
	ToStatus      models.Status `json:"toStatus"`
	Reason        string        `json:"reason"`
	Actor         string        `json:"actor"`
	// BankID names the selected offer when ToStatus is completed.
	BankID        string        `json:"bankId,omitempty"`
}

type ExternalPaymentReceived struct {
	CollectionID string  `json:"collectionId"`
	Amount       float64 `json:"amount"`
	Reference    string  `json:"reference,omitempty"`
}

// ApplicationSubmitted is sent by the application front end when a business submits.
type ApplicationSubmitted struct {
	BusinessID string `json:"businessId"`
}

// PurchaseSubmitted is a bank buying an application during its auction.
type PurchaseSubmitted struct {
	ApplicationID string `json:"applicationId"`
	BankID        string `json:"bankId"`
}

type OfferSelected struct {
	ApplicationID string `json:"applicationId"`
	BankID        string `json:"bankId"`
	Actor         string `json:"actor,omitempty"`
}
