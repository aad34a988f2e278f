package event

import (
	"time"

	"invoice-service/internal/invoice"
	"github.com/google/uuid"
)

type Type string

const (
	TypeInvoiceCreated    Type = "InvoiceCreated"
	TypeInvoiceProcessing Type = "InvoiceProcessing"
	TypeInvoiceSettled    Type = "InvoiceSettled"
	TypeInvoiceExpired    Type = "InvoiceExpired"
	TypeInvoiceInvalid    Type = "InvoiceInvalid"
	TypePaymentReceived   Type = "PaymentReceived"
)

// ForStatus maps a status transition to its domain event type.
func ForStatus(s invoice.Status) Type {
	switch s {
	case invoice.StatusProcessing:
		return TypeInvoiceProcessing
	case invoice.StatusSettled:
		return TypeInvoiceSettled
	case invoice.StatusExpired:
		return TypeInvoiceExpired
	case invoice.StatusInvalid:
		return TypeInvoiceInvalid
	default:
		return TypeInvoiceCreated
	}
}

// Event is one domain event published by the reconciliation engine.
type Event struct {
	ID             uuid.UUID
	Type           Type
	InvoiceID      uuid.UUID
	StoreID        string
	Timestamp      time.Time
	StatusBefore   invoice.Status
	StatusAfter    invoice.Status
	ExceptionFlags []string
	Data           map[string]any
}

// Envelope is the delivery payload wire shape. It is snapshotted into
// the delivery row at fan-out time and never mutated afterwards.
type Envelope struct {
	DeliveryID         uuid.UUID      `json:"deliveryId"`
	WebhookID          uuid.UUID      `json:"webhookId"`
	OriginalDeliveryID *uuid.UUID     `json:"originalDeliveryId"`
	Type               Type           `json:"type"`
	Timestamp          time.Time      `json:"timestamp"`
	Data               map[string]any `json:"data"`
}

// BuildEnvelope snapshots the event into the wire shape for one
// delivery to one registration.
func BuildEnvelope(ev Event, deliveryID, webhookID uuid.UUID) Envelope {
	data := map[string]any{
		"invoiceId":      ev.InvoiceID,
		"storeId":        ev.StoreID,
		"statusBefore":   ev.StatusBefore,
		"statusAfter":    ev.StatusAfter,
		"exceptionFlags": ev.ExceptionFlags,
	}
	for k, v := range ev.Data {
		data[k] = v
	}

	return Envelope{
		DeliveryID: deliveryID,
		WebhookID:  webhookID,
		Type:       ev.Type,
		Timestamp:  ev.Timestamp,
		Data:       data,
	}
}
