// internal/models/audit.go
package models

import "time"

// StatusAudit is append-only. From is empty for the creating entry.
type StatusAudit struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"applicationId"`
	FromStatus    Status    `json:"fromStatus"`
	ToStatus      Status    `json:"toStatus"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SystemAlert is an operational signal for humans. Alerts sharing a DedupeKey are stored once.
type SystemAlert struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	DedupeKey  string    `json:"dedupeKey,omitempty"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"createdAt"`
}
