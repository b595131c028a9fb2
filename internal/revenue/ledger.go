// Package revenue is the ledger that charges exactly one fixed fee per purchased application.
package revenue

import (
	"context"
	"fmt"
	"math"
	"time"

	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/store"

	"github.com/google/uuid"
)

type Publisher interface {
	Publish(ctx context.Context, channel, applicationID string, payload interface{}) error
}

type AlertRaiser interface {
	Raise(ctx context.Context, a alerts.Alert) (bool, error)
}

type Options struct {
	Fee           float64
	MaxAttempts   int
	RetryCooldown time.Duration
	BatchSize     int
}

func OptionsFromConfig(cfg config.RevenueConfig, batchSize int) Options {
	return Options{
		Fee:           cfg.Fee,
		MaxAttempts:   cfg.MaxAttempts,
		RetryCooldown: cfg.RetryCooldown,
		BatchSize:     batchSize,
	}
}

// Ledger is the only writer of revenue collection status.
type Ledger struct {
	store     store.Store
	pub       Publisher
	alerts    AlertRaiser
	collector Collector
	opts      Options
	log       logger.Logger
	now       func() time.Time
}

// NewLedger builds a ledger. collector may be nil, in which case entries are settled
// only by MarkCollected.
func NewLedger(st store.Store, pub Publisher, raiser AlertRaiser, collector Collector, opts Options, log logger.Logger) *Ledger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Ledger{
		store:     st,
		pub:       pub,
		alerts:    raiser,
		collector: collector,
		opts:      opts,
		log:       log.Named("revenue"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// MaxAttempts is the number of failed attempts after which an entry is no longer retried.
func (l *Ledger) MaxAttempts() int {
	return l.opts.MaxAttempts
}

// HasCollector reports whether Collect can charge on its own.
func (l *Ledger) HasCollector() bool {
	return l.collector != nil
}

type PurchaseResult struct {
	Purchase   *models.Purchase
	Duplicate  bool
	Credited   bool
	Collection *models.RevenueCollection
}

// RecordPurchase records bankID's bid on a live auction. The first purchase of an application
// credits the fee and opens its single collection entry; later purchases and replays never credit.
func (l *Ledger) RecordPurchase(ctx context.Context, applicationID, bankID string) (*PurchaseResult, error) {
	now := l.now()
	res := &PurchaseResult{}

	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.LockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.Status != models.StatusPendingOffers || app.AuctionEndTime == nil || !app.AuctionEndTime.After(now) {
			return errors.NewAuctionClosedError(applicationID, string(app.Status))
		}

		p := &models.Purchase{
			ID:            uuid.New().String(),
			ApplicationID: applicationID,
			BankID:        bankID,
			SubmittedAt:   now,
			Outcome:       models.OutcomePending,
		}
		inserted, err := tx.InsertPurchase(ctx, p)
		if err != nil {
			return err
		}
		if !inserted {
			res.Duplicate = true
			res.Purchase, err = tx.GetPurchase(ctx, applicationID, bankID)
			return err
		}
		res.Purchase = p

		if err := tx.AddPurchaser(ctx, applicationID, bankID); err != nil {
			return err
		}

		credited, err := tx.CreditRevenue(ctx, applicationID, l.opts.Fee)
		if err != nil || !credited {
			return err
		}
		res.Credited = true

		c := &models.RevenueCollection{
			ID:            uuid.New().String(),
			ApplicationID: applicationID,
			PurchaseID:    p.ID,
			BankID:        bankID,
			Amount:        l.opts.Fee,
			Status:        models.CollectionPending,
			CreatedAt:     now,
		}
		if _, err := tx.InsertCollection(ctx, c); err != nil {
			return err
		}
		res.Collection = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"applicationId": applicationID,
		"bankId":        bankID,
		"duplicate":     res.Duplicate,
		"credited":      res.Credited,
	}
	l.log.Info("purchase recorded", fields)

	if res.Collection != nil {
		metrics.RevenueCollections.WithLabelValues(string(models.CollectionPending)).Inc()
		l.announce(ctx, eventbus.ChannelRevenueStatusChanged, res.Collection, "")
	}
	return res, nil
}

type ReconcileResult struct {
	Updated []string `json:"updated"`
	Drifted []string `json:"drifted"`
}

// Reconcile sets the fee on every purchased or completed application whose total is still null
// or zero, and raises an alert for totals that differ from the fee. Safe to re-run.
func (l *Ledger) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res.Updated, err = tx.ReconcileRevenue(ctx, l.opts.Fee, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	drift, err := l.store.ListRevenueDrift(ctx, l.opts.Fee)
	if err != nil {
		return res, err
	}
	for _, app := range drift {
		res.Drifted = append(res.Drifted, app.ID)
		l.raise(ctx, alerts.Alert{
			Type:       alerts.TypeRevenueDrift,
			Severity:   models.SeverityMedium,
			Title:      "Application revenue differs from the fixed fee",
			Message:    fmt.Sprintf("application %s has revenue %.2f, expected %.2f", app.ID, *app.RevenueCollected, l.opts.Fee),
			EntityType: "application",
			EntityID:   app.ID,
			DedupeKey:  "revenue_drift:" + app.ID,
		})
	}

	l.log.Info("revenue reconciled", map[string]interface{}{
		"updated": len(res.Updated),
		"drifted": len(res.Drifted),
	})
	return res, nil
}

// Collect makes one charge attempt for a pending or failed entry. Entries that are collected,
// exhausted or inside their cooldown are returned unchanged.
func (l *Ledger) Collect(ctx context.Context, collectionID string) (*models.RevenueCollection, error) {
	if l.collector == nil {
		return nil, fmt.Errorf("no revenue collector configured")
	}

	now := l.now()
	var (
		entry   *models.RevenueCollection
		claimed bool
	)
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = tx.LockCollection(ctx, collectionID)
		if err != nil {
			return err
		}
		if entry.Status == models.CollectionCollected {
			return nil
		}
		if entry.RetryCount >= l.opts.MaxAttempts {
			return errors.NewCollectionExhaustedError(collectionID, entry.RetryCount)
		}
		claimed, err = tx.ClaimCollectionAttempt(ctx, collectionID, now.Add(-l.opts.RetryCooldown), now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return entry, nil
	}

	amount, chargeErr := l.collector.Collect(ctx, *entry)
	if chargeErr != nil {
		return l.recordFailure(ctx, entry, chargeErr)
	}
	return l.settle(ctx, entry, amount, "collector")
}

// MarkCollected settles an entry paid outside the collector. Replays are no-ops.
func (l *Ledger) MarkCollected(ctx context.Context, collectionID string, amount float64, source string) (*models.RevenueCollection, error) {
	entry, err := l.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return l.settle(ctx, entry, amount, source)
}

func (l *Ledger) settle(ctx context.Context, entry *models.RevenueCollection, amount float64, source string) (*models.RevenueCollection, error) {
	now := l.now()
	verified := math.Abs(amount-l.opts.Fee) < 0.005

	var updated bool
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		updated, err = tx.MarkCollectionCollected(ctx, entry.ID, amount, verified, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := entry.Clone()
	if !updated {
		current, err := l.store.GetCollection(ctx, entry.ID)
		if err != nil {
			return out, nil
		}
		return current, nil
	}

	out.Status = models.CollectionCollected
	out.Amount = amount
	out.Verified = verified
	out.CollectedAt = &now
	out.LastError = ""

	metrics.RevenueCollections.WithLabelValues(string(models.CollectionCollected)).Inc()
	l.log.Info("revenue collected", map[string]interface{}{
		"collectionId":  out.ID,
		"applicationId": out.ApplicationID,
		"amount":        amount,
		"verified":      verified,
		"source":        source,
	})

	if !verified {
		mismatch := errors.NewRevenueMismatchError(out.ID, l.opts.Fee, amount)
		if a, ok := alerts.FromError(mismatch, "revenue_collection", out.ID, "revenue_mismatch:"+out.ID); ok {
			a.Message = mismatch.Details
			l.raise(ctx, a)
		}
	}

	l.announce(ctx, eventbus.ChannelRevenueStatusChanged, out, "")
	l.announce(ctx, eventbus.ChannelRevenueCollectionCompleted, out, "")
	return out, nil
}

func (l *Ledger) recordFailure(ctx context.Context, entry *models.RevenueCollection, cause error) (*models.RevenueCollection, error) {
	now := l.now()
	var count int
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		count, err = tx.MarkCollectionFailed(ctx, entry.ID, cause.Error(), now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if count < 0 {
		// collected by an external payment while the charge was in flight
		return l.store.GetCollection(ctx, entry.ID)
	}

	out := entry.Clone()
	out.Status = models.CollectionFailed
	out.RetryCount = count
	out.LastError = cause.Error()
	out.LastAttemptAt = &now

	metrics.RevenueCollections.WithLabelValues(string(models.CollectionFailed)).Inc()
	l.log.Warn("revenue collection attempt failed", map[string]interface{}{
		"collectionId":  out.ID,
		"applicationId": out.ApplicationID,
		"attempt":       count,
		"maxAttempts":   l.opts.MaxAttempts,
		"error":         cause.Error(),
	})

	l.announce(ctx, eventbus.ChannelRevenueStatusChanged, out, cause.Error())
	l.announce(ctx, eventbus.ChannelRevenueCollectionFailed, out, cause.Error())

	if count >= l.opts.MaxAttempts {
		exhausted := errors.NewCollectionExhaustedError(out.ID, count)
		if a, ok := alerts.FromError(exhausted, "revenue_collection", out.ID, "collection_failed:"+out.ID); ok {
			a.Message = fmt.Sprintf("collection %s for application %s failed %d times: %s", out.ID, out.ApplicationID, count, cause.Error())
			l.raise(ctx, a)
		}
	}
	return out, errors.NewCollectionFailedError(out.ID, cause)
}

type RetryResult struct {
	Attempted int `json:"attempted"`
	Collected int `json:"collected"`
	Failed    int `json:"failed"`
}

// RetryFailed attempts every failed entry below the attempt bound whose cooldown has elapsed.
func (l *Ledger) RetryFailed(ctx context.Context) (*RetryResult, error) {
	res := &RetryResult{}
	if l.collector == nil {
		return res, nil
	}

	now := l.now()
	entries, err := l.store.ListRetryableCollections(ctx, l.opts.MaxAttempts, now.Add(-l.opts.RetryCooldown), l.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		out, err := l.Collect(ctx, e.ID)
		switch {
		case err == nil && out != nil && out.Status == models.CollectionCollected:
			res.Collected++
		case err != nil:
			res.Failed++
		}
	}

	if res.Attempted > 0 {
		l.log.Info("revenue retry pass finished", map[string]interface{}{
			"attempted": res.Attempted,
			"collected": res.Collected,
			"failed":    res.Failed,
		})
	}
	return res, nil
}

func (l *Ledger) Stats(ctx context.Context) (*models.RevenueStats, error) {
	stats, err := l.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &stats.Revenue, nil
}

func (l *Ledger) raise(ctx context.Context, a alerts.Alert) {
	if l.alerts == nil {
		return
	}
	if _, err := l.alerts.Raise(ctx, a); err != nil {
		l.log.Error("failed to raise alert", map[string]interface{}{"type": a.Type, "error": err.Error()})
	}
}

func (l *Ledger) announce(ctx context.Context, channel string, c *models.RevenueCollection, reason string) {
	if l.pub == nil {
		return
	}
	err := l.pub.Publish(ctx, channel, c.ApplicationID, eventbus.RevenueChanged{
		CollectionID:  c.ID,
		ApplicationID: c.ApplicationID,
		BankID:        c.BankID,
		Amount:        c.Amount,
		Status:        c.Status,
		RetryCount:    c.RetryCount,
		Verified:      c.Verified,
		Error:         reason,
	})
	if err != nil {
		l.log.Error("failed to publish revenue event", map[string]interface{}{
			"channel":      channel,
			"collectionId": c.ID,
			"error":        err.Error(),
		})
	}
}
