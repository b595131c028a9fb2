package store

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"lifecycle-engine/internal/common/database"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/models"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const applicationColumns = `id, business_id, status, submitted_at, auction_end_time, offer_selection_end_time,
	offers_count, purchased_by, revenue_collected, selected_offer_id, updated_at`

const collectionColumns = `id, application_id, purchase_id, bank_id, amount, status, retry_count,
	verified, last_error, last_attempt_at, collected_at, created_at`

// Postgres is the Store backed by PostgreSQL through database.PostgresClient.
type Postgres struct {
	client *database.PostgresClient
}

func NewPostgres(client *database.PostgresClient) *Postgres {
	return &Postgres{client: client}
}

func (p *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	return p.client.WithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.client.HealthCheck(ctx)
}

func (p *Postgres) Close() error {
	return p.client.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var (
		app         models.Application
		status      string
		auctionEnd  sql.NullTime
		selectEnd   sql.NullTime
		purchasedBy []string
		revenue     sql.NullFloat64
		selectedID  sql.NullString
	)
	err := row.Scan(&app.ID, &app.BusinessID, &status, &app.SubmittedAt, &auctionEnd, &selectEnd,
		&app.OffersCount, pq.Array(&purchasedBy), &revenue, &selectedID, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}

	app.Status = models.Status(status)
	if app.Status == models.StatusLegacyIgnored {
		app.Status = models.StatusAbandoned
	}
	if auctionEnd.Valid {
		t := auctionEnd.Time
		app.AuctionEndTime = &t
	}
	if selectEnd.Valid {
		t := selectEnd.Time
		app.OfferSelectionEndTime = &t
	}
	app.PurchasedBy = purchasedBy
	if revenue.Valid {
		v := revenue.Float64
		app.RevenueCollected = &v
	}
	if selectedID.Valid {
		v := selectedID.String
		app.SelectedOfferID = &v
	}
	return &app, nil
}

func scanCollection(row rowScanner) (*models.RevenueCollection, error) {
	var (
		c           models.RevenueCollection
		status      string
		lastAttempt sql.NullTime
		collectedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ApplicationID, &c.PurchaseID, &c.BankID, &c.Amount, &status, &c.RetryCount,
		&c.Verified, &c.LastError, &lastAttempt, &collectedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CollectionStatus(status)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		c.LastAttemptAt = &t
	}
	if collectedAt.Valid {
		t := collectedAt.Time
		c.CollectedAt = &t
	}
	return &c, nil
}

// storeErr turns connectivity failures into StoreUnavailable and leaves everything else as is.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) != "" {
		return err
	}
	if database.IsConnectionError(err) {
		return errors.NewStoreUnavailableError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *Postgres) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	row := p.client.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	return app, storeErr("get_application", err)
}

func (p *Postgres) listIDs(ctx context.Context, op, query string, args ...interface{}) ([]string, error) {
	rows, err := p.client.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(op, err)
		}
		ids = append(ids, id)
	}
	return ids, storeErr(op, rows.Err())
}

func (p *Postgres) ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return p.listIDs(ctx, "list_expired_auctions", `
		SELECT id FROM applications
		WHERE status = 'pending_offers' AND auction_end_time <= $1
		ORDER BY auction_end_time
		LIMIT $2`, now, limit)
}

func (p *Postgres) ListExpiredOfferSelections(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return p.listIDs(ctx, "list_expired_offer_selections", `
		SELECT id FROM applications
		WHERE status = 'offer_received' AND offer_selection_end_time <= $1
		ORDER BY offer_selection_end_time
		LIMIT $2`, now, limit)
}

func (p *Postgres) ListArchivable(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return p.listIDs(ctx, "list_archivable", `
		SELECT id FROM applications
		WHERE status IN ('completed', 'abandoned', 'deal_expired', 'ignored') AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
}

func (p *Postgres) queryApplications(ctx context.Context, op, query string, args ...interface{}) ([]models.Application, error) {
	rows, err := p.client.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		apps = append(apps, *app)
	}
	return apps, storeErr(op, rows.Err())
}

func (p *Postgres) ListDeadlinesBetween(ctx context.Context, from, to time.Time) ([]models.Application, error) {
	return p.queryApplications(ctx, "list_deadlines", `
		SELECT `+applicationColumns+` FROM applications
		WHERE (status = 'pending_offers' AND auction_end_time > $1 AND auction_end_time <= $2)
		   OR (status = 'offer_received' AND offer_selection_end_time > $1 AND offer_selection_end_time <= $2)`,
		from, to)
}

func (p *Postgres) ListRevenueDrift(ctx context.Context, fee float64) ([]models.Application, error) {
	return p.queryApplications(ctx, "list_revenue_drift", `
		SELECT `+applicationColumns+` FROM applications
		WHERE revenue_collected IS NOT NULL AND revenue_collected <> 0 AND revenue_collected <> $1`, fee)
}

func (p *Postgres) ListPurchases(ctx context.Context, applicationID string) ([]models.Purchase, error) {
	rows, err := p.client.Query(ctx, `
		SELECT id, application_id, bank_id, submitted_at, outcome
		FROM purchases WHERE application_id = $1 ORDER BY submitted_at`, applicationID)
	if err != nil {
		return nil, storeErr("list_purchases", err)
	}
	defer rows.Close()

	var out []models.Purchase
	for rows.Next() {
		var pu models.Purchase
		var outcome string
		if err := rows.Scan(&pu.ID, &pu.ApplicationID, &pu.BankID, &pu.SubmittedAt, &outcome); err != nil {
			return nil, storeErr("list_purchases", err)
		}
		pu.Outcome = models.PurchaseOutcome(outcome)
		out = append(out, pu)
	}
	return out, storeErr("list_purchases", rows.Err())
}

func (p *Postgres) ListAudit(ctx context.Context, applicationID string) ([]models.StatusAudit, error) {
	rows, err := p.client.Query(ctx, `
		SELECT id, application_id, from_status, to_status, actor, reason, created_at
		FROM status_audit WHERE application_id = $1 ORDER BY created_at, id`, applicationID)
	if err != nil {
		return nil, storeErr("list_audit", err)
	}
	defer rows.Close()

	var out []models.StatusAudit
	for rows.Next() {
		var a models.StatusAudit
		var from, to string
		if err := rows.Scan(&a.ID, &a.ApplicationID, &from, &to, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, storeErr("list_audit", err)
		}
		a.FromStatus, a.ToStatus = models.Status(from), models.Status(to)
		out = append(out, a)
	}
	return out, storeErr("list_audit", rows.Err())
}

func (p *Postgres) GetCollection(ctx context.Context, id string) (*models.RevenueCollection, error) {
	row := p.client.QueryRow(ctx, `SELECT `+collectionColumns+` FROM revenue_collections WHERE id = $1`, id)
	c, err := scanCollection(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewCollectionNotFoundError(id)
	}
	return c, storeErr("get_collection", err)
}

func (p *Postgres) queryCollections(ctx context.Context, op, query string, args ...interface{}) ([]models.RevenueCollection, error) {
	rows, err := p.client.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []models.RevenueCollection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *c)
	}
	return out, storeErr(op, rows.Err())
}

func (p *Postgres) ListCollections(ctx context.Context, applicationID string) ([]models.RevenueCollection, error) {
	return p.queryCollections(ctx, "list_collections", `
		SELECT `+collectionColumns+` FROM revenue_collections
		WHERE application_id = $1 ORDER BY created_at`, applicationID)
}

func (p *Postgres) ListRetryableCollections(ctx context.Context, maxAttempts int, attemptedBefore time.Time, limit int) ([]models.RevenueCollection, error) {
	return p.queryCollections(ctx, "list_retryable_collections", `
		SELECT `+collectionColumns+` FROM revenue_collections
		WHERE status = 'failed' AND retry_count < $1
		  AND (last_attempt_at IS NULL OR last_attempt_at <= $2)
		ORDER BY created_at
		LIMIT $3`, maxAttempts, attemptedBefore, limit)
}

func (p *Postgres) ListAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error) {
	rows, err := p.client.Query(ctx, `
		SELECT id, type, severity, title, message, COALESCE(entity_type, ''), COALESCE(entity_id, ''),
		       COALESCE(dedupe_key, ''), resolved, created_at
		FROM system_alerts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("list_alerts", err)
	}
	defer rows.Close()

	var out []models.SystemAlert
	for rows.Next() {
		var a models.SystemAlert
		var severity string
		if err := rows.Scan(&a.ID, &a.Type, &severity, &a.Title, &a.Message, &a.EntityType, &a.EntityID,
			&a.DedupeKey, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, storeErr("list_alerts", err)
		}
		a.Severity = models.Severity(severity)
		out = append(out, a)
	}
	return out, storeErr("list_alerts", rows.Err())
}

func (p *Postgres) Stats(ctx context.Context) (*models.EngineStats, error) {
	stats := &models.EngineStats{
		Applications: make(map[models.Status]int),
		Revenue:      models.RevenueStats{Collections: make(map[models.CollectionStatus]int)},
		GeneratedAt:  time.Now().UTC(),
	}

	rows, err := p.client.Query(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, storeErr("stats", err)
		}
		stats.Applications[models.Status(status)] += n
	}
	rows.Close()

	err = p.client.QueryRow(ctx, `
		SELECT COALESCE(SUM(revenue_collected), 0), COUNT(*) FILTER (WHERE revenue_collected > 0)
		FROM applications`).Scan(&stats.Revenue.TotalCollected, &stats.Revenue.ApplicationsBilled)
	if err != nil {
		return nil, storeErr("stats", err)
	}

	rows, err = p.client.Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE status = 'collected' AND NOT verified)
		FROM revenue_collections GROUP BY status`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	for rows.Next() {
		var status string
		var n, unverified int
		if err := rows.Scan(&status, &n, &unverified); err != nil {
			rows.Close()
			return nil, storeErr("stats", err)
		}
		stats.Revenue.Collections[models.CollectionStatus(status)] = n
		stats.Revenue.Unverified += unverified
	}
	rows.Close()

	err = p.client.QueryRow(ctx, `SELECT COUNT(*) FROM system_alerts WHERE NOT resolved`).Scan(&stats.UnresolvedAlerts)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	return stats, nil
}

func (p *Postgres) Migrate(ctx context.Context) (int64, error) {
	if _, err := p.client.Exec(ctx, schemaSQL); err != nil {
		return 0, storeErr("migrate_schema", err)
	}

	res, err := p.client.Exec(ctx, `
		UPDATE applications SET status = 'abandoned', updated_at = NOW()
		WHERE status = 'ignored'`)
	if err != nil {
		return 0, storeErr("migrate_statuses", err)
	}
	return res.RowsAffected()
}

// pgTx implements Tx on a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockApplication(ctx context.Context, id string) (*models.Application, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id)
	app, err := scanApplication(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	return app, err
}

func (t *pgTx) InsertApplication(ctx context.Context, app *models.Application) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO applications (id, business_id, status, submitted_at, offers_count, purchased_by, updated_at)
		VALUES ($1, $2, $3, $4, 0, '{}', $5)`,
		app.ID, app.BusinessID, string(app.Status), app.SubmittedAt, app.UpdatedAt)
	return err
}

func (t *pgTx) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE applications
		SET status = $3,
		    updated_at = $4,
		    auction_end_time = COALESCE($5::timestamptz, auction_end_time),
		    offer_selection_end_time = COALESCE($6::timestamptz, offer_selection_end_time),
		    selected_offer_id = COALESCE($7::text, selected_offer_id)
		WHERE id = $1 AND (status = $2::text OR ($2::text = 'abandoned' AND status = 'ignored'))`,
		u.ApplicationID, string(u.From), string(u.To), u.At,
		u.AuctionEndTime, u.OfferSelectionEndTime, u.SelectedOfferID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *pgTx) InsertAudit(ctx context.Context, a *models.StatusAudit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO status_audit (id, application_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ApplicationID, string(a.FromStatus), string(a.ToStatus), a.Actor, a.Reason, a.CreatedAt)
	return err
}

func (t *pgTx) InsertPurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (id, application_id, bank_id, submitted_at, outcome)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (application_id, bank_id) DO NOTHING`,
		p.ID, p.ApplicationID, p.BankID, p.SubmittedAt, string(p.Outcome))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *pgTx) GetPurchase(ctx context.Context, applicationID, bankID string) (*models.Purchase, error) {
	var pu models.Purchase
	var outcome string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, application_id, bank_id, submitted_at, outcome
		FROM purchases WHERE application_id = $1 AND bank_id = $2`, applicationID, bankID).
		Scan(&pu.ID, &pu.ApplicationID, &pu.BankID, &pu.SubmittedAt, &outcome)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewOfferNotFoundError(applicationID, bankID)
	}
	if err != nil {
		return nil, err
	}
	pu.Outcome = models.PurchaseOutcome(outcome)
	return &pu, nil
}

func (t *pgTx) AddPurchaser(ctx context.Context, applicationID, bankID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE applications
		SET purchased_by = array_append(purchased_by, $2::text),
		    offers_count = offers_count + 1,
		    updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(purchased_by))`, applicationID, bankID)
	return err
}

func (t *pgTx) SettlePurchases(ctx context.Context, applicationID, wonID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE purchases
		SET outcome = CASE WHEN id = $2 THEN 'won' ELSE 'lost' END
		WHERE application_id = $1 AND outcome = 'pending'`, applicationID, wonID)
	return err
}

func (t *pgTx) CreditRevenue(ctx context.Context, applicationID string, fee float64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE applications SET revenue_collected = $2
		WHERE id = $1 AND COALESCE(revenue_collected, 0) = 0`, applicationID, fee)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *pgTx) ReconcileRevenue(ctx context.Context, fee float64, at time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		UPDATE applications SET revenue_collected = $1, updated_at = $2
		WHERE COALESCE(revenue_collected, 0) = 0
		  AND (cardinality(purchased_by) > 0 OR status = 'completed')
		RETURNING id`, fee, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) InsertCollection(ctx context.Context, c *models.RevenueCollection) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO revenue_collections (id, application_id, purchase_id, bank_id, amount, status, retry_count, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7)
		ON CONFLICT (application_id, purchase_id) DO NOTHING`,
		c.ID, c.ApplicationID, c.PurchaseID, c.BankID, c.Amount, string(c.Status), c.CreatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *pgTx) LockCollection(ctx context.Context, id string) (*models.RevenueCollection, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM revenue_collections WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCollection(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewCollectionNotFoundError(id)
	}
	return c, err
}

func (t *pgTx) ClaimCollectionAttempt(ctx context.Context, id string, staleBefore, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE revenue_collections SET last_attempt_at = $2
		WHERE id = $1 AND status <> 'collected'
		  AND (last_attempt_at IS NULL OR last_attempt_at <= $3)`, id, at, staleBefore)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *pgTx) MarkCollectionCollected(ctx context.Context, id string, amount float64, verified bool, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE revenue_collections
		SET status = 'collected', amount = $2, verified = $3, collected_at = $4, last_error = ''
		WHERE id = $1 AND status <> 'collected'`, id, amount, verified, at)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (t *pgTx) MarkCollectionFailed(ctx context.Context, id, reason string, at time.Time) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE revenue_collections
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2, last_attempt_at = $3
		WHERE id = $1 AND status <> 'collected'
		RETURNING retry_count`, id, reason, at).Scan(&count)
	if stderrors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return count, err
}

func (t *pgTx) InsertAlert(ctx context.Context, a *models.SystemAlert) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO system_alerts (id, type, severity, title, message, entity_type, entity_id, dedupe_key, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
		ON CONFLICT DO NOTHING`,
		a.ID, a.Type, string(a.Severity), a.Title, a.Message,
		nullString(a.EntityType), nullString(a.EntityID), nullString(a.DedupeKey), a.CreatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
