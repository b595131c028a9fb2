package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/store"

	"github.com/google/uuid"
)

// Publisher is the part of the event bus the machine needs.
type Publisher interface {
	Publish(ctx context.Context, channel, applicationID string, payload interface{}) error
}

// Request asks for From -> To on one application.
type Request struct {
	ApplicationID string
	From          models.Status
	To            models.Status
	Reason        string
	Actor         string
}

// Result describes a finished transition. NoOp is set when the application was already in To.
type Result struct {
	Application *models.Application
	From        models.Status
	To          models.Status
	NoOp        bool
}

// Machine is the only writer of application status and deadlines.
type Machine struct {
	store  store.Store
	pub    Publisher
	policy Policy
	log    logger.Logger
	now    func() time.Time
}

func NewMachine(st store.Store, pub Publisher, policy Policy, log logger.Logger) *Machine {
	return &Machine{
		store:  st,
		pub:    pub,
		policy: policy,
		log:    log.Named("lifecycle"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock, for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) Policy() Policy {
	return m.policy
}

// Submit creates an application in submitted and announces it on application.created.
func (m *Machine) Submit(ctx context.Context, businessID string) (*models.Application, error) {
	now := m.now()
	app := &models.Application{
		ID:          uuid.New().String(),
		BusinessID:  businessID,
		Status:      models.StatusSubmitted,
		SubmittedAt: now,
		PurchasedBy: []string{},
		UpdatedAt:   now,
	}

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertApplication(ctx, app); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, &models.StatusAudit{
			ID:            uuid.New().String(),
			ApplicationID: app.ID,
			ToStatus:      models.StatusSubmitted,
			Actor:         "business:" + businessID,
			Reason:        "application submitted",
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("application submitted", map[string]interface{}{"applicationId": app.ID, "businessId": businessID})
	m.publish(ctx, eventbus.ChannelApplicationCreated, app.ID, eventbus.ApplicationCreated{
		ApplicationID: app.ID,
		BusinessID:    businessID,
		SubmittedAt:   now,
	})
	return app, nil
}

// Transition is the strict form: any mismatch between req.From and the stored status is a StaleState.
func (m *Machine) Transition(ctx context.Context, req Request) (*Result, error) {
	req.From, req.To = Normalize(req.From), Normalize(req.To)
	if !CanTransition(req.From, req.To) {
		metrics.TransitionsTotal.WithLabelValues(string(req.From), string(req.To), "invalid").Inc()
		return nil, errors.NewInvalidTransitionError(req.ApplicationID, string(req.From), string(req.To), "not an edge of the state machine")
	}

	var updated *models.Application
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.LockApplication(ctx, req.ApplicationID)
		if err != nil {
			return err
		}
		if app.Status != req.From {
			return errors.NewStaleStateError(req.ApplicationID, string(req.From), string(app.Status))
		}
		updated, err = m.apply(ctx, tx, app, req.To, req.Reason, req.Actor, nil)
		return err
	})
	if err != nil {
		m.countFailure(req.From, req.To, err)
		return nil, err
	}

	m.committed(ctx, req.From, updated, req.Actor, req.Reason)
	return &Result{Application: updated, From: req.From, To: req.To}, nil
}

// Advance is the idempotent form used by timers, sweeps and handlers: if the application is
// already in req.To the call is a no-op.
func (m *Machine) Advance(ctx context.Context, req Request) (*Result, error) {
	res, err := m.Transition(ctx, req)
	if err == nil || !stderrors.Is(err, errors.ErrStaleState) {
		return res, err
	}

	app, readErr := m.store.GetApplication(ctx, req.ApplicationID)
	if readErr != nil {
		return nil, err
	}
	if app.Status == Normalize(req.To) {
		metrics.TransitionsTotal.WithLabelValues(string(req.From), string(req.To), "noop").Inc()
		return &Result{Application: app, From: req.From, To: req.To, NoOp: true}, nil
	}
	return nil, err
}

// ResolveAuction closes an expired auction: offers go to offer_received, no offers to abandoned.
// An auction that was already resolved is a no-op.
func (m *Machine) ResolveAuction(ctx context.Context, applicationID, actor string) (*Result, error) {
	now := m.now()
	var (
		updated *models.Application
		from    models.Status
		noop    *models.Application
	)

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.LockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		from = app.Status
		if app.Status != models.StatusPendingOffers {
			if reached(app.Status, models.StatusOfferReceived) || reached(app.Status, models.StatusAbandoned) {
				noop = app
				return nil
			}
			return errors.NewStaleStateError(applicationID, string(models.StatusPendingOffers), string(app.Status))
		}
		if app.AuctionEndTime == nil || app.AuctionEndTime.After(now) {
			return errors.NewInvalidTransitionError(applicationID, string(app.Status), "", "auction still open")
		}

		to, reason := models.StatusAbandoned, "auction ended with no offers"
		if app.OffersCount > 0 {
			to, reason = models.StatusOfferReceived, fmt.Sprintf("auction ended with %d offers", app.OffersCount)
		}
		updated, err = m.apply(ctx, tx, app, to, reason, actor, nil)
		return err
	})
	if err != nil {
		m.countFailure(models.StatusPendingOffers, "", err)
		return nil, err
	}
	if noop != nil {
		return &Result{Application: noop, From: models.StatusPendingOffers, To: noop.Status, NoOp: true}, nil
	}

	m.committed(ctx, from, updated, actor, "auction deadline reached")
	return &Result{Application: updated, From: from, To: updated.Status}, nil
}

// SelectOffer completes the application with bankID's offer; every other offer is lost.
func (m *Machine) SelectOffer(ctx context.Context, applicationID, bankID, actor string) (*Result, error) {
	now := m.now()
	var updated *models.Application

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.LockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.Status != models.StatusOfferReceived {
			return errors.NewStaleStateError(applicationID, string(models.StatusOfferReceived), string(app.Status))
		}
		if app.OfferSelectionEndTime != nil && !app.OfferSelectionEndTime.After(now) {
			return errors.NewInvalidTransitionError(applicationID, string(app.Status), string(models.StatusCompleted), "offer selection window closed")
		}

		purchase, err := tx.GetPurchase(ctx, applicationID, bankID)
		if err != nil {
			return err
		}
		if err := tx.SettlePurchases(ctx, applicationID, purchase.ID); err != nil {
			return err
		}
		updated, err = m.apply(ctx, tx, app, models.StatusCompleted, "offer selected from "+bankID, actor, &purchase.ID)
		return err
	})
	if err != nil {
		m.countFailure(models.StatusOfferReceived, models.StatusCompleted, err)
		return nil, err
	}

	m.committed(ctx, models.StatusOfferReceived, updated, actor, "offer selected")
	return &Result{Application: updated, From: models.StatusOfferReceived, To: models.StatusCompleted}, nil
}

// ExpireOfferSelection moves an application whose selection window passed to deal_expired.
func (m *Machine) ExpireOfferSelection(ctx context.Context, applicationID, actor string) (*Result, error) {
	return m.deadlineTransition(ctx, applicationID, actor, models.StatusOfferReceived, models.StatusDealExpired,
		"offer selection window expired", func(app *models.Application, now time.Time) bool {
			return app.OfferSelectionEndTime != nil && !app.OfferSelectionEndTime.After(now)
		})
}

// Archive moves a final application older than the retention window to archived.
func (m *Machine) Archive(ctx context.Context, applicationID, actor string) (*Result, error) {
	var from models.Status
	err := m.readStatus(ctx, applicationID, &from)
	if err != nil {
		return nil, err
	}
	if from == models.StatusArchived {
		app, err := m.store.GetApplication(ctx, applicationID)
		if err != nil {
			return nil, err
		}
		return &Result{Application: app, From: from, To: from, NoOp: true}, nil
	}
	if !IsFinal(from) {
		return nil, errors.NewInvalidTransitionError(applicationID, string(from), string(models.StatusArchived), "application still live")
	}
	return m.deadlineTransition(ctx, applicationID, actor, from, models.StatusArchived,
		"retention window elapsed", func(app *models.Application, now time.Time) bool {
			return !app.UpdatedAt.After(now.Add(-m.policy.ArchiveRetention))
		})
}

func (m *Machine) readStatus(ctx context.Context, applicationID string, out *models.Status) error {
	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	*out = app.Status
	return nil
}

// deadlineTransition applies from -> to when due reports true, treating an application already in to as a no-op.
func (m *Machine) deadlineTransition(ctx context.Context, applicationID, actor string, from, to models.Status,
	reason string, due func(*models.Application, time.Time) bool) (*Result, error) {
	now := m.now()
	var updated, noop *models.Application

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.LockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.Status == to {
			noop = app
			return nil
		}
		if app.Status != from {
			return errors.NewStaleStateError(applicationID, string(from), string(app.Status))
		}
		if !due(app, now) {
			return errors.NewInvalidTransitionError(applicationID, string(from), string(to), "deadline not reached")
		}
		updated, err = m.apply(ctx, tx, app, to, reason, actor, nil)
		return err
	})
	if err != nil {
		m.countFailure(from, to, err)
		return nil, err
	}
	if noop != nil {
		metrics.TransitionsTotal.WithLabelValues(string(from), string(to), "noop").Inc()
		return &Result{Application: noop, From: from, To: to, NoOp: true}, nil
	}

	m.committed(ctx, from, updated, actor, reason)
	return &Result{Application: updated, From: from, To: to}, nil
}

// apply writes the guarded status change, its deadline and audit entry inside tx.
func (m *Machine) apply(ctx context.Context, tx store.Tx, app *models.Application, to models.Status,
	reason, actor string, selectedOfferID *string) (*models.Application, error) {
	if err := checkOffers(app, to, selectedOfferID); err != nil {
		return nil, err
	}
	now := m.now()
	update := store.StatusUpdate{
		ApplicationID:   app.ID,
		From:            app.Status,
		To:              to,
		At:              now,
		SelectedOfferID: selectedOfferID,
	}

	switch to {
	case models.StatusPendingOffers:
		end := now.Add(m.policy.AuctionWindow)
		update.AuctionEndTime = &end
	case models.StatusOfferReceived:
		end := now.Add(m.policy.OfferSelectionWindow)
		update.OfferSelectionEndTime = &end
	case models.StatusAbandoned, models.StatusDealExpired:
		if err := tx.SettlePurchases(ctx, app.ID, ""); err != nil {
			return nil, err
		}
	}

	ok, err := tx.UpdateStatus(ctx, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewStaleStateError(app.ID, string(app.Status), "changed")
	}

	if err := tx.InsertAudit(ctx, &models.StatusAudit{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		FromStatus:    app.Status,
		ToStatus:      to,
		Actor:         actor,
		Reason:        reason,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	out := app.Clone()
	out.Status = to
	out.UpdatedAt = now
	if update.AuctionEndTime != nil {
		out.AuctionEndTime = update.AuctionEndTime
	}
	if update.OfferSelectionEndTime != nil {
		out.OfferSelectionEndTime = update.OfferSelectionEndTime
	}
	if selectedOfferID != nil {
		out.SelectedOfferID = selectedOfferID
	}
	return out, nil
}

// checkOffers enforces the edges that depend on the offers an application holds:
// offer_received needs an offer, an auction with offers is never abandoned, and
// completed is reached only by selecting an offer.
func checkOffers(app *models.Application, to models.Status, selectedOfferID *string) error {
	switch {
	case to == models.StatusOfferReceived && app.OffersCount == 0:
		return errors.NewInvalidTransitionError(app.ID, string(app.Status), string(to), "no offer received")
	case to == models.StatusAbandoned && app.Status == models.StatusPendingOffers && app.OffersCount > 0:
		return errors.NewInvalidTransitionError(app.ID, string(app.Status), string(to),
			fmt.Sprintf("auction holds %d offers", app.OffersCount))
	case to == models.StatusCompleted && selectedOfferID == nil:
		return errors.NewInvalidTransitionError(app.ID, string(app.Status), string(to), "an offer must be selected")
	}
	return nil
}

// committed logs, counts and announces a transition after its transaction committed.
func (m *Machine) committed(ctx context.Context, from models.Status, app *models.Application, actor, reason string) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(app.Status), "applied").Inc()
	m.log.Info("status changed", map[string]interface{}{
		"applicationId": app.ID,
		"from":          string(from),
		"to":            string(app.Status),
		"actor":         actor,
	})

	m.publish(ctx, eventbus.ChannelStatusChanged, app.ID, eventbus.StatusChanged{
		ApplicationID:         app.ID,
		From:                  from,
		To:                    app.Status,
		Actor:                 actor,
		Reason:                reason,
		AuctionEndTime:        app.AuctionEndTime,
		OfferSelectionEndTime: app.OfferSelectionEndTime,
		OffersCount:           app.OffersCount,
		At:                    app.UpdatedAt,
	})

	switch app.Status {
	case models.StatusPendingOffers:
		m.publish(ctx, eventbus.ChannelAuctionStarted, app.ID, eventbus.DeadlineStarted{
			ApplicationID: app.ID, Deadline: *app.AuctionEndTime,
		})
	case models.StatusOfferReceived:
		m.publish(ctx, eventbus.ChannelOfferSelectionStarted, app.ID, eventbus.DeadlineStarted{
			ApplicationID: app.ID, Deadline: *app.OfferSelectionEndTime,
		})
	case models.StatusAbandoned, models.StatusDealExpired:
		m.publish(ctx, eventbus.ChannelApplicationExpired, app.ID, eventbus.ApplicationExpired{
			ApplicationID: app.ID, Status: app.Status, OffersCount: app.OffersCount,
		})
	}
}

// publish never fails the caller: the write is committed and the sweep covers a lost event.
func (m *Machine) publish(ctx context.Context, channel, applicationID string, payload interface{}) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ctx, channel, applicationID, payload); err != nil {
		m.log.Error("failed to publish event", map[string]interface{}{
			"channel":       channel,
			"applicationId": applicationID,
			"error":         err.Error(),
		})
	}
}

func (m *Machine) countFailure(from, to models.Status, err error) {
	result := "error"
	switch errors.CodeOf(err) {
	case errors.ErrCodeStaleState:
		result = "stale"
	case errors.ErrCodeInvalidTransition:
		result = "invalid"
	}
	metrics.TransitionsTotal.WithLabelValues(string(from), string(to), result).Inc()
}
