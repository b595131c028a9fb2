// Package lifecycle is the application status state machine.
package lifecycle

import (
	"fmt"
	"time"

	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/models"
)

var transitions = map[models.Status][]models.Status{
	models.StatusSubmitted:     {models.StatusPendingOffers},
	models.StatusPendingOffers: {models.StatusOfferReceived, models.StatusAbandoned},
	models.StatusOfferReceived: {models.StatusCompleted, models.StatusDealExpired},
	models.StatusCompleted:     {models.StatusArchived},
	models.StatusAbandoned:     {models.StatusArchived},
	models.StatusDealExpired:   {models.StatusArchived},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[Normalize(from)] {
		if s == to {
			return true
		}
	}
	return false
}

// Normalize maps the legacy zero-offer status onto abandoned.
func Normalize(s models.Status) models.Status {
	if s == models.StatusLegacyIgnored {
		return models.StatusAbandoned
	}
	return s
}

// ParseStatus validates an external status name.
func ParseStatus(s string) (models.Status, error) {
	st := Normalize(models.Status(s))
	switch st {
	case models.StatusSubmitted, models.StatusPendingOffers, models.StatusOfferReceived,
		models.StatusCompleted, models.StatusAbandoned, models.StatusDealExpired, models.StatusArchived:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsFinal reports whether an application in s can only move to archived.
func IsFinal(s models.Status) bool {
	switch Normalize(s) {
	case models.StatusCompleted, models.StatusAbandoned, models.StatusDealExpired, models.StatusArchived:
		return true
	}
	return false
}

// reached reports whether an application now in current has already passed through target.
func reached(current, target models.Status) bool {
	current, target = Normalize(current), Normalize(target)
	if current == target {
		return true
	}
	for _, next := range transitions[target] {
		if reached(current, next) {
			return true
		}
	}
	return false
}

// Policy holds the lifecycle windows. The offer-selection window always starts when
// the application enters offer_received.
type Policy struct {
	AuctionWindow        time.Duration
	OfferSelectionWindow time.Duration
	ArchiveRetention     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AuctionWindow:        48 * time.Hour,
		OfferSelectionWindow: 24 * time.Hour,
		ArchiveRetention:     90 * 24 * time.Hour,
	}
}

func PolicyFromConfig(cfg config.LifecycleConfig) Policy {
	return Policy{
		AuctionWindow:        cfg.AuctionWindow,
		OfferSelectionWindow: cfg.OfferSelectionWindow,
		ArchiveRetention:     cfg.ArchiveRetention,
	}
}
