package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentObserved is pushed by the chain/lightning watchers. The
// invoice id is optional: when absent the matcher resolves the open
// invoice through the destination reverse index.
type PaymentObserved struct {
	InvoiceID     uuid.UUID       `json:"invoiceId,omitempty"`
	Method        string          `json:"method"`
	Destination   string          `json:"destination"`
	DedupKey      string          `json:"dedupKey"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Confirmations int             `json:"confirmations"`
	Settled       bool            `json:"settled"`
	Reversed      bool            `json:"reversed"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// Delivery is the dispatch message for one webhook delivery attempt
// series. Keyed by invoice id on the wire so retries for one invoice
// stay on one partition.
type Delivery struct {
	ID        uuid.UUID `json:"id"`
	WebhookID uuid.UUID `json:"webhookId"`
	InvoiceID uuid.UUID `json:"invoiceId"`
	URL       string    `json:"url"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
}
