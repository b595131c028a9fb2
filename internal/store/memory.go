package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/models"
)

// Memory is an in-process Store for tests and local runs. Transactions run one at a time
// against a copy of the state that replaces the live state on success.
type Memory struct {
	mu        sync.Mutex
	state     *memState
	healthErr error
}

type memState struct {
	apps        map[string]*models.Application
	purchases   map[string]*models.Purchase
	collections map[string]*models.RevenueCollection
	audit       []models.StatusAudit
	alerts      []models.SystemAlert
	alertKeys   map[string]bool
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		apps:        make(map[string]*models.Application),
		purchases:   make(map[string]*models.Purchase),
		collections: make(map[string]*models.RevenueCollection),
		alertKeys:   make(map[string]bool),
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		apps:        make(map[string]*models.Application, len(s.apps)),
		purchases:   make(map[string]*models.Purchase, len(s.purchases)),
		collections: make(map[string]*models.RevenueCollection, len(s.collections)),
		audit:       append([]models.StatusAudit(nil), s.audit...),
		alerts:      append([]models.SystemAlert(nil), s.alerts...),
		alertKeys:   make(map[string]bool, len(s.alertKeys)),
	}
	for k, v := range s.apps {
		out.apps[k] = v.Clone()
	}
	for k, v := range s.purchases {
		p := *v
		out.purchases[k] = &p
	}
	for k, v := range s.collections {
		out.collections[k] = v.Clone()
	}
	for k := range s.alertKeys {
		out.alertKeys[k] = true
	}
	return out
}

// SetHealthError makes HealthCheck fail with err until it is reset with nil.
func (m *Memory) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.healthErr != nil {
		return errors.NewStoreUnavailableError("begin", m.healthErr)
	}

	working := m.state.clone()
	if err := fn(&memTx{s: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthErr != nil {
		return errors.NewStoreUnavailableError("health_check", m.healthErr)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.state.apps[id]
	if !ok {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	return readApplication(app), nil
}

// readApplication copies app with a legacy ignored status reported as abandoned, as the Postgres scan does.
func readApplication(app *models.Application) *models.Application {
	out := app.Clone()
	if out.Status == models.StatusLegacyIgnored {
		out.Status = models.StatusAbandoned
	}
	return out
}

func (m *Memory) selectIDs(limit int, match func(*models.Application) (time.Time, bool)) []string {
	type hit struct {
		id string
		at time.Time
	}
	var hits []hit
	for _, app := range m.state.apps {
		if at, ok := match(app); ok {
			hits = append(hits, hit{app.ID, at})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

func (m *Memory) ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectIDs(limit, func(a *models.Application) (time.Time, bool) {
		if a.Status != models.StatusPendingOffers || a.AuctionEndTime == nil {
			return time.Time{}, false
		}
		return *a.AuctionEndTime, !a.AuctionEndTime.After(now)
	}), nil
}

func (m *Memory) ListExpiredOfferSelections(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectIDs(limit, func(a *models.Application) (time.Time, bool) {
		if a.Status != models.StatusOfferReceived || a.OfferSelectionEndTime == nil {
			return time.Time{}, false
		}
		return *a.OfferSelectionEndTime, !a.OfferSelectionEndTime.After(now)
	}), nil
}

func (m *Memory) ListArchivable(ctx context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectIDs(limit, func(a *models.Application) (time.Time, bool) {
		switch a.Status {
		case models.StatusCompleted, models.StatusAbandoned, models.StatusDealExpired, models.StatusLegacyIgnored:
			return a.UpdatedAt, !a.UpdatedAt.After(before)
		}
		return time.Time{}, false
	}), nil
}

func (m *Memory) ListDeadlinesBetween(ctx context.Context, from, to time.Time) ([]models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	within := func(t *time.Time) bool {
		return t != nil && t.After(from) && !t.After(to)
	}
	var out []models.Application
	for _, a := range m.state.apps {
		if (a.Status == models.StatusPendingOffers && within(a.AuctionEndTime)) ||
			(a.Status == models.StatusOfferReceived && within(a.OfferSelectionEndTime)) {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListPurchases(ctx context.Context, applicationID string) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.state.purchases {
		if p.ApplicationID == applicationID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) ListAudit(ctx context.Context, applicationID string) ([]models.StatusAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StatusAudit
	for _, a := range m.state.audit {
		if a.ApplicationID == applicationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) GetCollection(ctx context.Context, id string) (*models.RevenueCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.collections[id]
	if !ok {
		return nil, errors.NewCollectionNotFoundError(id)
	}
	return c.Clone(), nil
}

func (m *Memory) collect(limit int, match func(*models.RevenueCollection) bool) []models.RevenueCollection {
	var out []models.RevenueCollection
	for _, c := range m.state.collections {
		if match(c) {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ListCollections(ctx context.Context, applicationID string) ([]models.RevenueCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(0, func(c *models.RevenueCollection) bool { return c.ApplicationID == applicationID }), nil
}

func (m *Memory) ListRetryableCollections(ctx context.Context, maxAttempts int, attemptedBefore time.Time, limit int) ([]models.RevenueCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collect(limit, func(c *models.RevenueCollection) bool {
		return c.Status == models.CollectionFailed && c.RetryCount < maxAttempts &&
			(c.LastAttemptAt == nil || !c.LastAttemptAt.After(attemptedBefore))
	}), nil
}

func (m *Memory) ListRevenueDrift(ctx context.Context, fee float64) ([]models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Application
	for _, a := range m.state.apps {
		if a.RevenueCollected != nil && *a.RevenueCollected != 0 && *a.RevenueCollected != fee {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SystemAlert, 0, len(m.state.alerts))
	for i := len(m.state.alerts) - 1; i >= 0; i-- {
		out = append(out, m.state.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (*models.EngineStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.EngineStats{
		Applications: make(map[models.Status]int),
		Revenue:      models.RevenueStats{Collections: make(map[models.CollectionStatus]int)},
		GeneratedAt:  time.Now().UTC(),
	}
	for _, a := range m.state.apps {
		stats.Applications[a.Status]++
		if a.RevenueCollected != nil && *a.RevenueCollected > 0 {
			stats.Revenue.TotalCollected += *a.RevenueCollected
			stats.Revenue.ApplicationsBilled++
		}
	}
	for _, c := range m.state.collections {
		stats.Revenue.Collections[c.Status]++
		if c.Status == models.CollectionCollected && !c.Verified {
			stats.Revenue.Unverified++
		}
	}
	for _, a := range m.state.alerts {
		if !a.Resolved {
			stats.UnresolvedAlerts++
		}
	}
	return stats, nil
}

func (m *Memory) Migrate(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.state.apps {
		if a.Status == models.StatusLegacyIgnored {
			a.Status = models.StatusAbandoned
			a.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// Seed stores app as is, bypassing the state machine. Test fixtures only.
func (m *Memory) Seed(app *models.Application) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.apps[app.ID] = app.Clone()
}

type memTx struct {
	s *memState
}

func (t *memTx) LockApplication(ctx context.Context, id string) (*models.Application, error) {
	app, ok := t.s.apps[id]
	if !ok {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	return readApplication(app), nil
}

func (t *memTx) InsertApplication(ctx context.Context, app *models.Application) error {
	c := app.Clone()
	c.OffersCount = 0
	c.PurchasedBy = []string{}
	t.s.apps[app.ID] = c
	return nil
}

func (t *memTx) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	app, ok := t.s.apps[u.ApplicationID]
	if !ok {
		return false, nil
	}
	current := app.Status
	if current == models.StatusLegacyIgnored {
		current = models.StatusAbandoned
	}
	if current != u.From {
		return false, nil
	}
	app.Status = u.To
	app.UpdatedAt = u.At
	if u.AuctionEndTime != nil {
		v := *u.AuctionEndTime
		app.AuctionEndTime = &v
	}
	if u.OfferSelectionEndTime != nil {
		v := *u.OfferSelectionEndTime
		app.OfferSelectionEndTime = &v
	}
	if u.SelectedOfferID != nil {
		v := *u.SelectedOfferID
		app.SelectedOfferID = &v
	}
	return true, nil
}

func (t *memTx) InsertAudit(ctx context.Context, a *models.StatusAudit) error {
	t.s.audit = append(t.s.audit, *a)
	return nil
}

func (t *memTx) InsertPurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	for _, existing := range t.s.purchases {
		if existing.ApplicationID == p.ApplicationID && existing.BankID == p.BankID {
			return false, nil
		}
	}
	c := *p
	t.s.purchases[p.ID] = &c
	return true, nil
}

func (t *memTx) GetPurchase(ctx context.Context, applicationID, bankID string) (*models.Purchase, error) {
	for _, p := range t.s.purchases {
		if p.ApplicationID == applicationID && p.BankID == bankID {
			c := *p
			return &c, nil
		}
	}
	return nil, errors.NewOfferNotFoundError(applicationID, bankID)
}

func (t *memTx) AddPurchaser(ctx context.Context, applicationID, bankID string) error {
	app, ok := t.s.apps[applicationID]
	if !ok || app.HasPurchaser(bankID) {
		return nil
	}
	app.PurchasedBy = append(app.PurchasedBy, bankID)
	app.OffersCount++
	app.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) SettlePurchases(ctx context.Context, applicationID, wonID string) error {
	for _, p := range t.s.purchases {
		if p.ApplicationID != applicationID || p.Outcome != models.OutcomePending {
			continue
		}
		if p.ID == wonID {
			p.Outcome = models.OutcomeWon
		} else {
			p.Outcome = models.OutcomeLost
		}
	}
	return nil
}

func (t *memTx) CreditRevenue(ctx context.Context, applicationID string, fee float64) (bool, error) {
	app, ok := t.s.apps[applicationID]
	if !ok {
		return false, nil
	}
	if app.RevenueCollected != nil && *app.RevenueCollected != 0 {
		return false, nil
	}
	v := fee
	app.RevenueCollected = &v
	return true, nil
}

func (t *memTx) ReconcileRevenue(ctx context.Context, fee float64, at time.Time) ([]string, error) {
	var ids []string
	for _, app := range t.s.apps {
		if app.RevenueCollected != nil && *app.RevenueCollected != 0 {
			continue
		}
		if len(app.PurchasedBy) == 0 && app.Status != models.StatusCompleted {
			continue
		}
		v := fee
		app.RevenueCollected = &v
		app.UpdatedAt = at
		ids = append(ids, app.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) InsertCollection(ctx context.Context, c *models.RevenueCollection) (bool, error) {
	for _, existing := range t.s.collections {
		if existing.ApplicationID == c.ApplicationID && existing.PurchaseID == c.PurchaseID {
			return false, nil
		}
	}
	t.s.collections[c.ID] = c.Clone()
	return true, nil
}

func (t *memTx) LockCollection(ctx context.Context, id string) (*models.RevenueCollection, error) {
	c, ok := t.s.collections[id]
	if !ok {
		return nil, errors.NewCollectionNotFoundError(id)
	}
	return c.Clone(), nil
}

func (t *memTx) ClaimCollectionAttempt(ctx context.Context, id string, staleBefore, at time.Time) (bool, error) {
	c, ok := t.s.collections[id]
	if !ok || c.Status == models.CollectionCollected {
		return false, nil
	}
	if c.LastAttemptAt != nil && c.LastAttemptAt.After(staleBefore) {
		return false, nil
	}
	v := at
	c.LastAttemptAt = &v
	return true, nil
}

func (t *memTx) MarkCollectionCollected(ctx context.Context, id string, amount float64, verified bool, at time.Time) (bool, error) {
	c, ok := t.s.collections[id]
	if !ok || c.Status == models.CollectionCollected {
		return false, nil
	}
	c.Status = models.CollectionCollected
	c.Amount = amount
	c.Verified = verified
	c.LastError = ""
	v := at
	c.CollectedAt = &v
	return true, nil
}

func (t *memTx) MarkCollectionFailed(ctx context.Context, id, reason string, at time.Time) (int, error) {
	c, ok := t.s.collections[id]
	if !ok || c.Status == models.CollectionCollected {
		return -1, nil
	}
	c.Status = models.CollectionFailed
	c.RetryCount++
	c.LastError = reason
	v := at
	c.LastAttemptAt = &v
	return c.RetryCount, nil
}

func (t *memTx) InsertAlert(ctx context.Context, a *models.SystemAlert) (bool, error) {
	if a.DedupeKey != "" {
		if t.s.alertKeys[a.DedupeKey] {
			return false, nil
		}
		t.s.alertKeys[a.DedupeKey] = true
	}
	t.s.alerts = append(t.s.alerts, *a)
	return true, nil
}
