// internal/models/application.go
package models

import "time"

// Status is the lifecycle status of an application.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusPendingOffers Status = "pending_offers"
	StatusOfferReceived Status = "offer_received"
	StatusCompleted     Status = "completed"
	StatusAbandoned     Status = "abandoned"
	StatusDealExpired   Status = "deal_expired"
	StatusArchived      Status = "archived"

	// StatusLegacyIgnored is only ever read from old rows; it means abandoned.
	StatusLegacyIgnored Status = "ignored"
)

type Application struct {
	ID                    string     `json:"id"`
	BusinessID            string     `json:"businessId"`
	Status                Status     `json:"status"`
	SubmittedAt           time.Time  `json:"submittedAt"`
	AuctionEndTime        *time.Time `json:"auctionEndTime,omitempty"`
	OfferSelectionEndTime *time.Time `json:"offerSelectionEndTime,omitempty"`
	OffersCount           int        `json:"offersCount"`
	PurchasedBy           []string   `json:"purchasedBy"`
	RevenueCollected      *float64   `json:"revenueCollected,omitempty"`
	SelectedOfferID       *string    `json:"selectedOfferId,omitempty"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a *Application) Clone() *Application {
	c := *a
	c.AuctionEndTime = cloneTime(a.AuctionEndTime)
	c.OfferSelectionEndTime = cloneTime(a.OfferSelectionEndTime)
	if a.PurchasedBy != nil {
		c.PurchasedBy = append([]string(nil), a.PurchasedBy...)
	}
	if a.RevenueCollected != nil {
		v := *a.RevenueCollected
		c.RevenueCollected = &v
	}
	if a.SelectedOfferID != nil {
		v := *a.SelectedOfferID
		c.SelectedOfferID = &v
	}
	return &c
}

// HasPurchaser reports whether bankID already bought this application.
func (a *Application) HasPurchaser(bankID string) bool {
	for _, b := range a.PurchasedBy {
		if b == bankID {
			return true
		}
	}
	return false
}

type PurchaseOutcome string

const (
	OutcomePending PurchaseOutcome = "pending"
	OutcomeWon     PurchaseOutcome = "won"
	OutcomeLost    PurchaseOutcome = "lost"
)

// Purchase is a bank's bid on an application. Final once Outcome is won or lost.
type Purchase struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"applicationId"`
	BankID        string          `json:"bankId"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	Outcome       PurchaseOutcome `json:"outcome"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
