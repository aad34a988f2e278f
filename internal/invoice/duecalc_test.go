package invoice_test

import (
	"testing"
	"time"

	"invoice-service/internal/invoice"
	"invoice-service/internal/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func pay(amount string, receivedAt time.Time) invoice.Payment {
	return invoice.Payment{
		DedupKey:   amount + receivedAt.String(),
		Amount:     money.MustParse(amount),
		ReceivedAt: receivedAt,
	}
}

func TestCalculateDue(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		requested    string
		feeAllowance string
		payments     []invoice.Payment
		wantDue      string
		wantPaid     string
	}{
		{
			name:         "NoPayments",
			requested:    "0.002",
			feeAllowance: "0.00005",
			wantDue:      "0.00205",
			wantPaid:     "0",
		},
		{
			name:         "SingleExactPayment",
			requested:    "0.002",
			feeAllowance: "0.00005",
			payments:     []invoice.Payment{pay("0.00205", base)},
			wantDue:      "0.00205",
			wantPaid:     "0.00205",
		},
		{
			name:         "SinglePaymentNoAllowance",
			requested:    "0.002",
			feeAllowance: "0",
			payments:     []invoice.Payment{pay("0.002", base)},
			wantDue:      "0.002",
			wantPaid:     "0.002",
		},
		{
			// Two partial payments: the second transaction costs the
			// payer another network fee, so due grows by one more
			// allowance.
			name:         "TwoPartialPayments",
			requested:    "0.002",
			feeAllowance: "0.00005",
			payments: []invoice.Payment{
				pay("0.001", base),
				pay("0.0011", base.Add(time.Minute)),
			},
			wantDue:  "0.0021",
			wantPaid: "0.0021",
		},
		{
			name:         "ThreePartialsStillShort",
			requested:    "0.002",
			feeAllowance: "0.00005",
			payments: []invoice.Payment{
				pay("0.0005", base),
				pay("0.0005", base.Add(time.Minute)),
				pay("0.0005", base.Add(2 * time.Minute)),
			},
			wantDue:  "0.00220",
			wantPaid: "0.0015",
		},
		{
			name:         "Overpayment",
			requested:    "0.002",
			feeAllowance: "0.00005",
			payments:     []invoice.Payment{pay("0.003", base)},
			wantDue:      "0.00205",
			wantPaid:     "0.003",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := invoice.CalculateDue(money.MustParse(tt.requested), money.MustParse(tt.feeAllowance), tt.payments)

			assert.True(t, money.MustParse(tt.wantDue).Equal(res.Due), "due: want %s, got %s", tt.wantDue, res.Due)
			assert.True(t, money.MustParse(tt.wantPaid).Equal(res.Paid), "paid: want %s, got %s", tt.wantPaid, res.Paid)
		})
	}
}

func TestCalculateDueWalksNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// The newest payment alone covers requested plus one allowance, so
	// the walk stops before the older partial can accrue a second one.
	payments := []invoice.Payment{
		pay("0.0005", base),
		pay("0.00205", base.Add(time.Hour)),
	}

	res := invoice.CalculateDue(money.MustParse("0.002"), money.MustParse("0.00005"), payments)

	assert.True(t, money.MustParse("0.00205").Equal(res.Due), "got %s", res.Due)
	assert.True(t, money.MustParse("0.00205").Equal(res.Paid), "got %s", res.Paid)
}

func TestCalculateDueDoesNotMutateInput(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	payments := []invoice.Payment{
		pay("0.001", base),
		pay("0.0011", base.Add(time.Minute)),
	}

	invoice.CalculateDue(money.MustParse("0.002"), money.MustParse("0.00005"), payments)

	assert.True(t, payments[0].ReceivedAt.Before(payments[1].ReceivedAt))
}

func TestDueResultRemaining(t *testing.T) {
	res := invoice.DueResult{Due: money.MustParse("0.002"), Paid: money.MustParse("0.0015")}
	assert.True(t, money.MustParse("0.0005").Equal(res.Remaining()), "got %s", res.Remaining())

	overpaid := invoice.DueResult{Due: money.MustParse("0.002"), Paid: money.MustParse("0.003")}
	assert.True(t, decimal.Zero.Equal(overpaid.Remaining()), "got %s", overpaid.Remaining())
}
