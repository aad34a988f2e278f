package invoice

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DueResult is the outcome of the due-amount walk for one prompt, in
// the prompt's native unit.
type DueResult struct {
	Due  decimal.Decimal
	Paid decimal.Decimal
}

func (r DueResult) Remaining() decimal.Decimal {
	rem := r.Due.Sub(r.Paid)
	if rem.Sign() < 0 {
		return decimal.Zero
	}
	return rem
}

// CalculateDue walks the given payments newest-first and returns the
// effective due and paid totals. Due starts at requested plus one
// network-fee allowance; every further payment needed while paid is
// still below due adds one more allowance, since each extra
// transaction used to pay costs marginal fees. Reversed payments must
// be filtered out by the caller.
func CalculateDue(requested, feeAllowance decimal.Decimal, payments []Payment) DueResult {
	due := requested.Add(feeAllowance)
	paid := decimal.Zero

	for _, p := range sortNewestFirst(payments) {
		paid = paid.Add(p.Amount)
		if paid.GreaterThanOrEqual(due) {
			break
		}
		due = due.Add(feeAllowance)
	}

	return DueResult{Due: due, Paid: paid}
}

func sortNewestFirst(payments []Payment) []Payment {
	sorted := make([]Payment, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt)
	})
	return sorted
}
