// internal/models/revenue.go
package models

import "time"

type CollectionStatus string

const (
	CollectionPending   CollectionStatus = "pending"
	CollectionCollected CollectionStatus = "collected"
	CollectionFailed    CollectionStatus = "failed"
)

// RevenueCollection is the ledger entry for the fee owed by a purchase.
type RevenueCollection struct {
	ID            string           `json:"id"`
	ApplicationID string           `json:"applicationId"`
	PurchaseID    string           `json:"purchaseId"`
	BankID        string           `json:"bankId"`
	Amount        float64          `json:"amount"`
	Status        CollectionStatus `json:"status"`
	RetryCount    int              `json:"retryCount"`
	Verified      bool             `json:"verified"`
	LastError     string           `json:"lastError,omitempty"`
	LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
	CollectedAt   *time.Time       `json:"collectedAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

func (c *RevenueCollection) Clone() *RevenueCollection {
	out := *c
	out.LastAttemptAt = cloneTime(c.LastAttemptAt)
	out.CollectedAt = cloneTime(c.CollectedAt)
	return &out
}

// RevenueStats summarizes the ledger for the ops surface.
type RevenueStats struct {
	TotalCollected     float64                  `json:"totalCollected"`
	ApplicationsBilled int                      `json:"applicationsBilled"`
	Collections        map[CollectionStatus]int `json:"collections"`
	Unverified         int                      `json:"unverified"`
}

// EngineStats is the monitoring snapshot served at /ops/stats.
type EngineStats struct {
	Applications     map[Status]int `json:"applications"`
	Revenue          RevenueStats   `json:"revenue"`
	UnresolvedAlerts int            `json:"unresolvedAlerts"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}
