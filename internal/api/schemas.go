package api

import (
	"lifecycle-engine/internal/common/validation"
)

// Webhook types accepted on POST /webhook.
const (
	TypeDeadlineApproaching     = "deadline_approaching"
	TypeManualStatusTransition  = "manual_status_transition"
	TypeExternalPaymentReceived = "external_payment_received"
	TypeApplicationSubmitted    = "application_submitted"
	TypePurchaseSubmitted       = "purchase_submitted"
	TypeOfferSelected           = "offer_selected"
)

const schemaEnvelope = "envelope"

const envelopeSchema = `{
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "id":   {"type": "string", "minLength": 1},
    "type": {"type": "string", "enum": [
      "deadline_approaching", "manual_status_transition", "external_payment_received",
      "application_submitted", "purchase_submitted", "offer_selected"
    ]},
    "data": {"type": "object"}
  }
}`

var dataSchemas = map[string]string{
	TypeDeadlineApproaching: `{
  "type": "object",
  "required": ["applicationId"],
  "properties": {
    "applicationId": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "enum": ["auction", "offer_selection"]}
  }
}`,
	TypeManualStatusTransition: `{
  "type": "object",
  "required": ["applicationId", "fromStatus", "toStatus"],
  "properties": {
    "applicationId": {"type": "string", "minLength": 1},
    "fromStatus": {"type": "string", "minLength": 1},
    "toStatus": {"type": "string", "minLength": 1},
    "reason": {"type": "string"},
    "actor": {"type": "string"},
    "bankId": {"type": "string", "minLength": 1}
  }
}`,
	TypeExternalPaymentReceived: `{
  "type": "object",
  "required": ["collectionId", "amount"],
  "properties": {
    "collectionId": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "minimum": 0},
    "reference": {"type": "string"}
  }
}`,
	TypeApplicationSubmitted: `{
  "type": "object",
  "required": ["businessId"],
  "properties": {
    "businessId": {"type": "string", "minLength": 1}
  }
}`,
	TypePurchaseSubmitted: `{
  "type": "object",
  "required": ["applicationId", "bankId"],
  "properties": {
    "applicationId": {"type": "string", "minLength": 1},
    "bankId": {"type": "string", "minLength": 1}
  }
}`,
	TypeOfferSelected: `{
  "type": "object",
  "required": ["applicationId", "bankId"],
  "properties": {
    "applicationId": {"type": "string", "minLength": 1},
    "bankId": {"type": "string", "minLength": 1},
    "actor": {"type": "string"}
  }
}`,
}

// NewSchemaRegistry loads the envelope schema and one data schema per webhook type.
func NewSchemaRegistry() (*validation.Registry, error) {
	reg := validation.NewRegistry()
	if err := reg.Register(schemaEnvelope, envelopeSchema); err != nil {
		return nil, err
	}
	for name, schema := range dataSchemas {
		if err := reg.Register(name, schema); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
