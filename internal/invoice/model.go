package invoice

import (
	"strings"
	"time"

	"invoice-service/internal/rate"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusNew        Status = "New"
	StatusProcessing Status = "Processing"
	StatusSettled    Status = "Settled"
	StatusExpired    Status = "Expired"
	StatusInvalid    Status = "Invalid"
)

// Terminal statuses accept no further payments. Settled can still be
// reopened by a reorg reversal while the invoice is not archived.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired || s == StatusInvalid
}

type SpeedPolicy string

const (
	HighSpeed   SpeedPolicy = "HighSpeed"
	MediumSpeed SpeedPolicy = "MediumSpeed"
	LowSpeed    SpeedPolicy = "LowSpeed"
)

func (p SpeedPolicy) RequiredConfirmations() int {
	switch p {
	case HighSpeed:
		return 0
	case LowSpeed:
		return 6
	default:
		return 1
	}
}

// Flags are exception states orthogonal to Status.
type Flags uint8

const (
	FlagPaidPartial Flags = 1 << iota
	FlagPaidOver
	FlagPaidLate
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) Strings() []string {
	var out []string
	if f.Has(FlagPaidPartial) {
		out = append(out, "PaidPartial")
	}
	if f.Has(FlagPaidOver) {
		out = append(out, "PaidOver")
	}
	if f.Has(FlagPaidLate) {
		out = append(out, "PaidLate")
	}
	return out
}

// Method identifies a payment method as currency + transport, e.g.
// "BTC-CHAIN" or "BTC-LN".
type Method string

const (
	TransportChain     = "CHAIN"
	TransportLightning = "LN"
)

func (m Method) Currency() string {
	s := string(m)
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}

func (m Method) Transport() string {
	s := string(m)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[i+1:]
	}
	return TransportChain
}

func (m Method) Lightning() bool {
	return m.Transport() == TransportLightning
}

// Divisibility is the rounding granularity of the method's native
// unit: 8 decimals on-chain, 11 for lightning (millisatoshi).
func (m Method) Divisibility() int32 {
	if m.Lightning() {
		return 11
	}
	return 8
}

// Payment is one observed real-world payment attached to a prompt,
// identified by its method-specific dedup key (outpoint or payment
// hash).
type Payment struct {
	DedupKey      string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	ReceivedAt    time.Time
	Confirmations int
	Settled       bool
	Reversed      bool
}

// Final reports whether the payment has reached the confirmation
// depth the speed policy requires. Lightning payments are final only
// once the HTLC settles, regardless of policy.
func (p Payment) Final(method Method, policy SpeedPolicy) bool {
	if p.Reversed {
		return false
	}
	if method.Lightning() {
		return p.Settled
	}
	return p.Confirmations >= policy.RequiredConfirmations()
}

// Prompt is one instantiated payment method on an invoice. AmountDue
// is fixed at creation/refresh; payments reduce what is still owed,
// they never change the due figure.
type Prompt struct {
	Method       Method
	Destination  string
	AmountDue    decimal.Decimal
	FeeAllowance decimal.Decimal
	Active       bool
	Payments     []Payment
}

func (p *Prompt) payments(reversed bool) []Payment {
	var out []Payment
	for _, pay := range p.Payments {
		if pay.Reversed == reversed {
			out = append(out, pay)
		}
	}
	return out
}

func (p *Prompt) Payment(dedupKey string) *Payment {
	for i := range p.Payments {
		if p.Payments[i].DedupKey == dedupKey {
			return &p.Payments[i]
		}
	}
	return nil
}

type Invoice struct {
	ID           uuid.UUID
	StoreID      string
	OrderID      string
	FaceAmount   decimal.Decimal
	FaceCurrency string
	SpeedPolicy  SpeedPolicy
	Status       Status
	Flags        Flags
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Archived     bool
	Rates        *rate.Lock
	Prompts      []*Prompt
}

func (i *Invoice) Prompt(method Method) *Prompt {
	for _, p := range i.Prompts {
		if p.Method == method {
			return p
		}
	}
	return nil
}

func (i *Invoice) PromptByDestination(method Method, destination string) *Prompt {
	for _, p := range i.Prompts {
		if p.Method == method && p.Destination == destination {
			return p
		}
	}
	return nil
}

// HasPayments reports whether any non-reversed payment is attached to
// any prompt. Rate refresh is forbidden once this is true.
func (i *Invoice) HasPayments() bool {
	for _, p := range i.Prompts {
		if len(p.payments(false)) > 0 {
			return true
		}
	}
	return false
}

func (i *Invoice) Pair(method Method) rate.Pair {
	return rate.Pair{Base: method.Currency(), Quote: i.FaceCurrency}
}
