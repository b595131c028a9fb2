// Package store is the persistent store adapter of the lifecycle engine.
//
// Every mutation happens inside Store.WithTx. Reads outside a transaction are
// snapshots and must not be used to decide a write; guarded updates inside the
// transaction are the concurrency boundary.
package store

import (
	"context"
	"time"

	"lifecycle-engine/internal/models"
)

// Store is the read side plus the transaction entry point.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	HealthCheck(ctx context.Context) error
	Close() error

	GetApplication(ctx context.Context, id string) (*models.Application, error)
	ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListExpiredOfferSelections(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]string, error)
	// ListDeadlinesBetween returns live applications whose current deadline falls in (from, to].
	ListDeadlinesBetween(ctx context.Context, from, to time.Time) ([]models.Application, error)
	ListPurchases(ctx context.Context, applicationID string) ([]models.Purchase, error)
	ListAudit(ctx context.Context, applicationID string) ([]models.StatusAudit, error)

	GetCollection(ctx context.Context, id string) (*models.RevenueCollection, error)
	ListCollections(ctx context.Context, applicationID string) ([]models.RevenueCollection, error)
	// ListRetryableCollections returns failed entries below maxAttempts whose last attempt is older than attemptedBefore.
	ListRetryableCollections(ctx context.Context, maxAttempts int, attemptedBefore time.Time, limit int) ([]models.RevenueCollection, error)
	// ListRevenueDrift returns applications whose revenue total is set to something other than zero or fee.
	ListRevenueDrift(ctx context.Context, fee float64) ([]models.Application, error)

	ListAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error)
	Stats(ctx context.Context) (*models.EngineStats, error)

	// Migrate applies the schema and rewrites legacy statuses. It returns the number of rewritten rows.
	Migrate(ctx context.Context) (int64, error)
}

// StatusUpdate is a guarded status write: it only applies while the row is still in From.
// Nil deadline and offer fields leave the stored values unchanged.
type StatusUpdate struct {
	ApplicationID         string
	From                  models.Status
	To                    models.Status
	At                    time.Time
	AuctionEndTime        *time.Time
	OfferSelectionEndTime *time.Time
	SelectedOfferID       *string
}

// Tx is the write side. Implementations serialize conflicting writers on the application row.
type Tx interface {
	// LockApplication reads the row and holds it until the transaction ends.
	LockApplication(ctx context.Context, id string) (*models.Application, error)
	InsertApplication(ctx context.Context, app *models.Application) error
	// UpdateStatus reports false when the row was no longer in u.From.
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	InsertAudit(ctx context.Context, a *models.StatusAudit) error

	// InsertPurchase reports false when the bank already has a purchase on the application.
	InsertPurchase(ctx context.Context, p *models.Purchase) (bool, error)
	GetPurchase(ctx context.Context, applicationID, bankID string) (*models.Purchase, error)
	AddPurchaser(ctx context.Context, applicationID, bankID string) error
	// SettlePurchases marks wonID won and every other pending purchase lost. An empty wonID loses all.
	SettlePurchases(ctx context.Context, applicationID, wonID string) error

	// CreditRevenue sets the revenue total to fee only if it is null or zero, and reports whether it did.
	CreditRevenue(ctx context.Context, applicationID string, fee float64) (bool, error)
	// ReconcileRevenue applies CreditRevenue to every purchased or completed application still at null or zero.
	ReconcileRevenue(ctx context.Context, fee float64, at time.Time) ([]string, error)

	// InsertCollection reports false when an entry already exists for the (application, purchase) pair.
	InsertCollection(ctx context.Context, c *models.RevenueCollection) (bool, error)
	LockCollection(ctx context.Context, id string) (*models.RevenueCollection, error)
	// ClaimCollectionAttempt stamps the attempt time unless the entry is collected or was attempted after staleBefore.
	ClaimCollectionAttempt(ctx context.Context, id string, staleBefore, at time.Time) (bool, error)
	// MarkCollectionCollected reports false when the entry was already collected.
	MarkCollectionCollected(ctx context.Context, id string, amount float64, verified bool, at time.Time) (bool, error)
	// MarkCollectionFailed increments the retry count and returns it. Collected entries are left alone (-1).
	MarkCollectionFailed(ctx context.Context, id, reason string, at time.Time) (int, error)

	// InsertAlert reports false when an alert with the same dedupe key exists.
	InsertAlert(ctx context.Context, a *models.SystemAlert) (bool, error)
}
