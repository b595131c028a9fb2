// Package audit mirrors status changes into Elasticsearch for operator search.
package audit

import (
	"context"
	"time"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
)

// DocumentIndexer is satisfied by database.ElasticsearchClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, doc interface{}) error
}

type Document struct {
	EventID               string        `json:"eventId"`
	ApplicationID         string        `json:"applicationId"`
	From                  models.Status `json:"fromStatus"`
	To                    models.Status `json:"toStatus"`
	Actor                 string        `json:"actor"`
	Reason                string        `json:"reason,omitempty"`
	OffersCount           int           `json:"offersCount"`
	AuctionEndTime        *time.Time    `json:"auctionEndTime,omitempty"`
	OfferSelectionEndTime *time.Time    `json:"offerSelectionEndTime,omitempty"`
	ChangedAt             time.Time     `json:"changedAt"`
	IndexedAt             time.Time     `json:"indexedAt"`
}

type Indexer struct {
	es    DocumentIndexer
	index string
	log   logger.Logger
}

func NewIndexer(es DocumentIndexer, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = "application-status-audit"
	}
	return &Indexer{es: es, index: index, log: log.Named("audit_indexer")}
}

// Handle is a bus Handler for application.status_changed. Documents are keyed by event id.
func (i *Indexer) Handle(ctx context.Context, e eventbus.Event) error {
	var sc eventbus.StatusChanged
	if err := e.Decode(&sc); err != nil {
		return err
	}

	doc := Document{
		EventID:               e.ID,
		ApplicationID:         sc.ApplicationID,
		From:                  sc.From,
		To:                    sc.To,
		Actor:                 sc.Actor,
		Reason:                sc.Reason,
		OffersCount:           sc.OffersCount,
		AuctionEndTime:        sc.AuctionEndTime,
		OfferSelectionEndTime: sc.OfferSelectionEndTime,
		ChangedAt:             sc.At,
		IndexedAt:             time.Now().UTC(),
	}
	if err := i.es.IndexDocument(ctx, i.index, e.ID, doc); err != nil {
		return errors.NewExternalServiceError("elasticsearch", err, true)
	}

	i.log.Debug("status change indexed", map[string]interface{}{
		"applicationId": sc.ApplicationID,
		"eventId":       e.ID,
		"index":         i.index,
	})
	return nil
}
