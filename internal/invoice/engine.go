package invoice

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Policy holds the merchant-level reconciliation knobs.
type Policy struct {
	// UnderpaymentTolerancePercent accepts settlement when paid covers
	// at least (100 - tolerance)% of due. Zero means exact coverage.
	UnderpaymentTolerancePercent decimal.Decimal
	// AllowLateSettlement lets a qualifying payment matched after
	// expiry move the invoice Expired -> Settled.
	AllowLateSettlement bool
}

// Totals aggregates all active prompts' matched payments into the
// invoice's face currency using the locked rates.
type Totals struct {
	DueFace      decimal.Decimal
	PaidFace     decimal.Decimal
	PaymentCount int
	AllFinal     bool
	AnyPending   bool
	AnyLate      bool
}

func (t Totals) RemainingFace() decimal.Decimal {
	rem := t.DueFace.Sub(t.PaidFace)
	if rem.Sign() < 0 {
		return decimal.Zero
	}
	return rem
}

// ComputeTotals runs the due-amount walk per active prompt and
// converts the results into the face currency. Prompts without
// payments contribute nothing: their fee allowance only becomes owed
// once a payment actually uses that method.
func ComputeTotals(inv *Invoice) (Totals, error) {
	t := Totals{DueFace: inv.FaceAmount, AllFinal: true}

	for _, prompt := range inv.Prompts {
		if !prompt.Active {
			continue
		}
		pays := prompt.payments(false)
		if len(pays) == 0 {
			continue
		}

		res := CalculateDue(prompt.AmountDue, prompt.FeeAllowance, pays)
		pair := inv.Pair(prompt.Method)

		paidFace, err := inv.Rates.ToFace(res.Paid, pair)
		if err != nil {
			return Totals{}, errors.Wrapf(err, "converting paid amount for %s", prompt.Method)
		}
		feeFace, err := inv.Rates.ToFace(res.Due.Sub(prompt.AmountDue), pair)
		if err != nil {
			return Totals{}, errors.Wrapf(err, "converting fee accrual for %s", prompt.Method)
		}

		t.PaidFace = t.PaidFace.Add(paidFace)
		t.DueFace = t.DueFace.Add(feeFace)
		t.PaymentCount += len(pays)

		for _, p := range pays {
			if !p.Final(prompt.Method, inv.SpeedPolicy) {
				t.AllFinal = false
				t.AnyPending = true
			}
			if p.ReceivedAt.After(inv.ExpiresAt) {
				t.AnyLate = true
			}
		}
	}

	return t, nil
}

// Result is a reconciliation decision. Status and Flags are the new
// values to persist when Changed is set; Totals is surfaced for
// payloads and the remaining-due figure.
type Result struct {
	Status  Status
	Flags   Flags
	Changed bool
	// Path lists every status entered during this evaluation, in
	// order. A first payment that already settles traverses Processing
	// before Settled; callers publish one event per entry so no edge
	// goes unannounced. Empty when only flags moved.
	Path   []Status
	Totals Totals
}

// Reconcile evaluates the invoice state machine against the current
// set of matched payments. It is pure: callers persist the outcome.
//
// Edges (no others exist):
//
//	New        -> Processing  first matched payment
//	New        -> Expired     expiry passed, nothing paid or pending
//	Processing -> Settled     converted paid >= due, all payments final
//	Processing -> Expired     expiry passed, underpaid, nothing pending
//	Expired    -> Settled     late payment clears due, policy permits
//	Settled    -> Processing  reorg reversal while not archived
//	Settled    -> Invalid     every contributing payment reversed
func Reconcile(inv *Invoice, now time.Time, policy Policy) (Result, error) {
	res := Result{Status: inv.Status, Flags: inv.Flags}

	// Archived and Invalid invoices never move again.
	if inv.Archived || inv.Status == StatusInvalid {
		return res, nil
	}

	t, err := ComputeTotals(inv)
	if err != nil {
		return res, err
	}
	res.Totals = t

	covered := coverage(t, policy)
	settleable := covered && t.PaymentCount > 0 && t.AllFinal

	switch inv.Status {
	case StatusNew:
		if t.PaymentCount > 0 {
			res.enter(StatusProcessing)
		} else if now.After(inv.ExpiresAt) {
			res.enter(StatusExpired)
		}
		// A first payment may already settle the invoice; fall through
		// by re-running the Processing rules on the new status. The
		// Processing edge stays on the path either way.
		if res.Status == StatusProcessing {
			applyProcessing(&res, t, settleable, now, inv.ExpiresAt)
		}

	case StatusProcessing:
		applyProcessing(&res, t, settleable, now, inv.ExpiresAt)

	case StatusExpired:
		if t.AnyLate && t.PaymentCount > 0 {
			res.Flags |= FlagPaidLate
		}
		if settleable && policy.AllowLateSettlement {
			res.enter(StatusSettled)
			applySettlementFlags(&res, t)
		}

	case StatusSettled:
		// Re-evaluation after a reorg reversal only.
		if !settleable {
			if t.PaymentCount == 0 {
				res.enter(StatusInvalid)
			} else {
				res.enter(StatusProcessing)
			}
		}
	}

	res.Changed = res.Status != inv.Status || res.Flags != inv.Flags
	return res, nil
}

func (r *Result) enter(s Status) {
	r.Status = s
	r.Path = append(r.Path, s)
}

func applyProcessing(res *Result, t Totals, settleable bool, now, expiresAt time.Time) {
	if settleable {
		res.enter(StatusSettled)
		applySettlementFlags(res, t)
		return
	}
	if now.After(expiresAt) && !t.AnyPending {
		res.enter(StatusExpired)
		if t.PaidFace.Sign() > 0 {
			res.Flags |= FlagPaidPartial
		}
	}
}

func applySettlementFlags(res *Result, t Totals) {
	if t.PaidFace.GreaterThan(t.DueFace) {
		res.Flags |= FlagPaidOver
	}
	if t.PaidFace.LessThan(t.DueFace) {
		res.Flags |= FlagPaidPartial
	}
}

// coverage checks paid against due with the underpayment tolerance
// applied: paid >= due * (100 - tolerance) / 100.
func coverage(t Totals, policy Policy) bool {
	if t.PaidFace.Sign() <= 0 {
		return false
	}
	threshold := t.DueFace
	if policy.UnderpaymentTolerancePercent.Sign() > 0 {
		factor := decimal.NewFromInt(100).Sub(policy.UnderpaymentTolerancePercent).Div(decimal.NewFromInt(100))
		threshold = t.DueFace.Mul(factor)
	}
	return t.PaidFace.GreaterThanOrEqual(threshold)
}
