// Package handlers wires bus channels to engine reactions.
package handlers

import (
	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/audit"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/lifecycle"
	"lifecycle-engine/internal/revenue"
	"lifecycle-engine/internal/scheduler"
	"lifecycle-engine/internal/store"
	"lifecycle-engine/internal/workflow"
	"lifecycle-engine/pkg/registry"
)

// Handler names, as they appear in logs, metrics and the catalog.
const (
	NameAdvanceCreated      = "advance-created-application"
	NameArmDeadlines        = "arm-deadlines"
	NameCollectRevenue      = "collect-revenue"
	NameCollectionFailed    = "log-collection-failure"
	NameDeadlineApproaching = "deadline-approaching"
	NameManualTransition    = "manual-status-transition"
	NameExternalPayment     = "external-payment-received"
	NameSubmitApplication   = "submit-application"
	NameRecordPurchase      = "record-purchase"
	NameSelectOffer         = "select-offer"
	NameAlertNotifier       = "alert-notifier"
	NameAuditIndexer        = "audit-indexer"
	NameWorkflowBridge      = "workflow-bridge"
	NameAMQPForwarder       = "amqp-forwarder"
)

type Subscriber interface {
	Subscribe(channel, name string, h eventbus.Handler)
}

// Deps holds what the handlers act on. Notifier, Indexer, Bridge and Forwarder are optional.
type Deps struct {
	Store     store.Store
	Machine   *lifecycle.Machine
	Scheduler *scheduler.Scheduler
	Ledger    *revenue.Ledger
	Alerts    *alerts.Service

	Notifier  *alerts.Notifier
	Indexer   *audit.Indexer
	Bridge    *workflow.Bridge
	Forwarder *eventbus.AMQPForwarder

	Log logger.Logger
}

type Handlers struct {
	Deps
	log    logger.Logger
	errors *errors.ErrorHandler
}

func New(d Deps) *Handlers {
	log := d.Log.Named("handlers")
	return &Handlers{Deps: d, log: log, errors: errors.NewErrorHandler(log)}
}

// Register subscribes every handler on bus and returns the resulting catalog.
func (h *Handlers) Register(bus Subscriber) *registry.Catalog {
	catalog := registry.New("1.0.0")
	add := func(channel, name, description string, ingress bool, fn eventbus.Handler) {
		bus.Subscribe(channel, name, fn)
		catalog.Add(registry.Subscription{Channel: channel, Handler: name, Description: description, Ingress: ingress})
	}

	add(eventbus.ChannelApplicationCreated, NameAdvanceCreated,
		"moves a new application from submitted to pending_offers", false, h.ApplicationCreated)
	add(eventbus.ChannelStatusChanged, NameArmDeadlines,
		"arms the in-process timer for the deadline the new status waits on", false, h.StatusChanged)
	add(eventbus.ChannelRevenueStatusChanged, NameCollectRevenue,
		"charges pending collection entries through the billing gateway", false, h.RevenueStatusChanged)
	add(eventbus.ChannelRevenueCollectionFailed, NameCollectionFailed,
		"records when a failed collection will next be retried", false, h.CollectionFailed)

	add(eventbus.ChannelDeadlineApproaching, NameDeadlineApproaching,
		"resolves a due deadline or raises an urgency alert", true, h.DeadlineApproaching)
	add(eventbus.ChannelManualStatusTransition, NameManualTransition,
		"applies an operator requested transition", true, h.ManualStatusTransition)
	add(eventbus.ChannelExternalPaymentReceived, NameExternalPayment,
		"marks a collection entry paid outside the gateway", true, h.ExternalPaymentReceived)
	add(eventbus.ChannelApplicationSubmitted, NameSubmitApplication,
		"creates a submitted application", true, h.ApplicationSubmitted)
	add(eventbus.ChannelPurchaseSubmitted, NameRecordPurchase,
		"records a bank purchase and credits the fee on the first one", true, h.PurchaseSubmitted)
	add(eventbus.ChannelOfferSelected, NameSelectOffer,
		"completes an application with the selected offer", true, h.OfferSelected)

	if h.Notifier != nil {
		add(eventbus.ChannelAlertCreated, NameAlertNotifier, "fans alerts out to SNS and SES", false, h.Notifier.Handle)
	}
	if h.Indexer != nil {
		add(eventbus.ChannelStatusChanged, NameAuditIndexer, "mirrors status changes into Elasticsearch", false, h.Indexer.Handle)
	}
	if h.Bridge != nil {
		add(eventbus.ChannelStatusChanged, NameWorkflowBridge, "publishes status changes to Zeebe", false, h.Bridge.Handle)
	}
	if h.Forwarder != nil {
		for _, ch := range eventbus.EngineChannels {
			add(ch, NameAMQPForwarder, "mirrors engine events to the AMQP exchange", false, h.Forwarder.Handle)
		}
	}

	h.log.Info("handlers registered", map[string]interface{}{
		"subscriptions": len(catalog.Subscriptions),
		"channels":      len(catalog.Channels()),
	})
	return catalog
}
