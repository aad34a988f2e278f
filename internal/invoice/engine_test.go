package invoice_test

import (
	"testing"
	"time"

	"invoice-service/internal/invoice"
	"invoice-service/internal/money"
	"invoice-service/internal/rate"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	createdAt = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	expiresAt = createdAt.Add(15 * time.Minute)

	btcUSD = rate.Pair{Base: "BTC", Quote: "USD"}
)

// chainInvoice is a 100 USD invoice payable as 0.002 BTC on-chain at a
// locked 50,000 rate, requiring one confirmation.
func chainInvoice(status invoice.Status, payments ...invoice.Payment) *invoice.Invoice {
	return &invoice.Invoice{
		ID:           uuid.New(),
		StoreID:      "store-1",
		FaceAmount:   money.MustParse("100"),
		FaceCurrency: "USD",
		SpeedPolicy:  invoice.MediumSpeed,
		Status:       status,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
		Rates:        rate.FromRates(map[rate.Pair]decimal.Decimal{btcUSD: money.MustParse("50000")}),
		Prompts: []*invoice.Prompt{
			{
				Method:      "BTC-CHAIN",
				Destination: "bc1qdest",
				AmountDue:   money.MustParse("0.002"),
				Active:      true,
				Payments:    payments,
			},
		},
	}
}

func confirmed(amount string) invoice.Payment {
	return invoice.Payment{
		DedupKey:      "tx-" + amount,
		Amount:        money.MustParse(amount),
		ReceivedAt:    createdAt.Add(time.Minute),
		Confirmations: 1,
	}
}

func unconfirmed(amount string) invoice.Payment {
	p := confirmed(amount)
	p.Confirmations = 0
	return p
}

func defaultPolicy() invoice.Policy {
	return invoice.Policy{AllowLateSettlement: true}
}

func TestReconcileNewWithoutPayments(t *testing.T) {
	inv := chainInvoice(invoice.StatusNew)

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusNew, res.Status)
}

func TestReconcileFirstPaymentStartsProcessing(t *testing.T) {
	inv := chainInvoice(invoice.StatusNew, unconfirmed("0.002"))

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, invoice.StatusProcessing, res.Status)
	assert.Empty(t, res.Flags.Strings())
}

func TestReconcileConfirmedFullPaymentSettles(t *testing.T) {
	inv := chainInvoice(invoice.StatusNew, confirmed("0.002"))

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, invoice.StatusSettled, res.Status)
	assert.Empty(t, res.Flags.Strings())
	assert.True(t, money.MustParse("100").Equal(res.Totals.PaidFace), "got %s", res.Totals.PaidFace)
	assert.True(t, res.Totals.RemainingFace().IsZero())
}

// A first payment that already qualifies still traverses Processing on
// its way to Settled, so subscribers see both edges.
func TestReconcilePathReportsEveryEdge(t *testing.T) {
	tests := []struct {
		name string
		inv  *invoice.Invoice
		now  time.Time
		path []invoice.Status
	}{
		{
			name: "FirstConfirmedPaymentSettlesViaProcessing",
			inv:  chainInvoice(invoice.StatusNew, confirmed("0.002")),
			now:  createdAt.Add(time.Minute),
			path: []invoice.Status{invoice.StatusProcessing, invoice.StatusSettled},
		},
		{
			name: "FirstUnconfirmedPayment",
			inv:  chainInvoice(invoice.StatusNew, unconfirmed("0.002")),
			now:  createdAt.Add(time.Minute),
			path: []invoice.Status{invoice.StatusProcessing},
		},
		{
			name: "ConfirmationSettles",
			inv:  chainInvoice(invoice.StatusProcessing, confirmed("0.002")),
			now:  createdAt.Add(time.Minute),
			path: []invoice.Status{invoice.StatusSettled},
		},
		{
			name: "UnpaidExpiry",
			inv:  chainInvoice(invoice.StatusNew),
			now:  expiresAt.Add(time.Second),
			path: []invoice.Status{invoice.StatusExpired},
		},
		{
			name: "NoChange",
			inv:  chainInvoice(invoice.StatusProcessing, unconfirmed("0.002")),
			now:  createdAt.Add(time.Minute),
			path: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := invoice.Reconcile(tt.inv, tt.now, defaultPolicy())

			require.NoError(t, err)
			assert.Equal(t, tt.path, res.Path)
			if len(tt.path) > 0 {
				assert.Equal(t, tt.path[len(tt.path)-1], res.Status)
			}
		})
	}
}

func TestReconcileZeroConfirmationPolicySettlesViaProcessing(t *testing.T) {
	inv := chainInvoice(invoice.StatusNew, unconfirmed("0.002"))
	inv.SpeedPolicy = invoice.HighSpeed

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusSettled, res.Status)
	assert.Equal(t, []invoice.Status{invoice.StatusProcessing, invoice.StatusSettled}, res.Path)
}

func TestReconcileUnconfirmedPaymentDoesNotSettle(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, unconfirmed("0.002"))

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusProcessing, res.Status)
	assert.True(t, res.Totals.AnyPending)
}

func TestReconcileHighSpeedSettlesAtZeroConfirmations(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, unconfirmed("0.002"))
	inv.SpeedPolicy = invoice.HighSpeed

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusSettled, res.Status)
}

func TestReconcileExpiresUnpaidInvoice(t *testing.T) {
	inv := chainInvoice(invoice.StatusNew)

	res, err := invoice.Reconcile(inv, expiresAt.Add(time.Second), defaultPolicy())

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, invoice.StatusExpired, res.Status)
	assert.Empty(t, res.Flags.Strings())
}

func TestReconcileExpiresUnderpaidInvoiceWithPartialFlag(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, confirmed("0.001"))

	res, err := invoice.Reconcile(inv, expiresAt.Add(time.Second), defaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusExpired, res.Status)
	assert.True(t, res.Flags.Has(invoice.FlagPaidPartial))
}

func TestReconcilePendingConfirmationBlocksExpiry(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, unconfirmed("0.002"))

	res, err := invoice.Reconcile(inv, expiresAt.Add(time.Hour), defaultPolicy())

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusProcessing, res.Status)
}

func TestReconcileLatePaymentSettlesExpiredInvoice(t *testing.T) {
	late := confirmed("0.002")
	late.ReceivedAt = expiresAt.Add(time.Minute)
	inv := chainInvoice(invoice.StatusExpired, late)

	res, err := invoice.Reconcile(inv, expiresAt.Add(2*time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, invoice.StatusSettled, res.Status)
	assert.True(t, res.Flags.Has(invoice.FlagPaidLate))
}

func TestReconcileLateSettlementDisallowedByPolicy(t *testing.T) {
	late := confirmed("0.002")
	late.ReceivedAt = expiresAt.Add(time.Minute)
	inv := chainInvoice(invoice.StatusExpired, late)

	res, err := invoice.Reconcile(inv, expiresAt.Add(2*time.Minute), invoice.Policy{AllowLateSettlement: false})

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusExpired, res.Status)
	assert.True(t, res.Flags.Has(invoice.FlagPaidLate))
	assert.True(t, res.Changed, "the late flag alone must be persisted")
	assert.Empty(t, res.Path, "no status edge was traversed")
}

func TestReconcileOverpaymentSetsFlag(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, confirmed("0.003"))

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusSettled, res.Status)
	assert.True(t, res.Flags.Has(invoice.FlagPaidOver))
	assert.False(t, res.Flags.Has(invoice.FlagPaidPartial))
}

func TestReconcileUnderpaymentWithinTolerance(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, confirmed("0.00196"))
	policy := invoice.Policy{
		UnderpaymentTolerancePercent: money.MustParse("5"),
		AllowLateSettlement:          true,
	}

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), policy)

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusSettled, res.Status)
	assert.True(t, res.Flags.Has(invoice.FlagPaidPartial))
}

func TestReconcileUnderpaymentOutsideToleranceStaysProcessing(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, confirmed("0.001"))
	policy := invoice.Policy{
		UnderpaymentTolerancePercent: money.MustParse("5"),
		AllowLateSettlement:          true,
	}

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), policy)

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusProcessing, res.Status)
}

func TestReconcileReversalReopensSettledInvoice(t *testing.T) {
	kept := confirmed("0.001")
	reversed := confirmed("0.001")
	reversed.DedupKey = "tx-reversed"
	reversed.Reversed = true
	inv := chainInvoice(invoice.StatusSettled, kept, reversed)

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, invoice.StatusProcessing, res.Status)
}

func TestReconcileAllPaymentsReversedInvalidates(t *testing.T) {
	reversed := confirmed("0.002")
	reversed.Reversed = true
	inv := chainInvoice(invoice.StatusSettled, reversed)

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, invoice.StatusInvalid, res.Status)
}

func TestReconcileSettledStaysSettledOnReplay(t *testing.T) {
	inv := chainInvoice(invoice.StatusSettled, confirmed("0.002"))

	res, err := invoice.Reconcile(inv, expiresAt.Add(time.Hour), defaultPolicy())

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusSettled, res.Status)
}

func TestReconcileInvalidNeverMoves(t *testing.T) {
	inv := chainInvoice(invoice.StatusInvalid, confirmed("0.002"))

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusInvalid, res.Status)
}

func TestReconcileArchivedNeverMoves(t *testing.T) {
	inv := chainInvoice(invoice.StatusSettled, confirmed("0.002"))
	inv.Archived = true
	inv.Prompts[0].Payments[0].Reversed = true

	res, err := invoice.Reconcile(inv, createdAt.Add(time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, invoice.StatusSettled, res.Status)
}

func TestReconcileIsIdempotent(t *testing.T) {
	inv := chainInvoice(invoice.StatusNew, confirmed("0.002"))
	now := createdAt.Add(time.Minute)

	first, err := invoice.Reconcile(inv, now, defaultPolicy())
	require.NoError(t, err)
	require.True(t, first.Changed)

	inv.Status = first.Status
	inv.Flags = first.Flags

	second, err := invoice.Reconcile(inv, now, defaultPolicy())
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Flags, second.Flags)
}

func TestReconcileAggregatesAcrossMethods(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing, confirmed("0.001"))
	inv.Prompts = append(inv.Prompts, &invoice.Prompt{
		Method:      "BTC-LN",
		Destination: "lnbc1invoice",
		AmountDue:   money.MustParse("0.002"),
		Active:      true,
		Payments: []invoice.Payment{
			{
				DedupKey:   "htlc-1",
				Amount:     money.MustParse("0.001"),
				ReceivedAt: createdAt.Add(2 * time.Minute),
				Settled:    true,
			},
		},
	})

	res, err := invoice.Reconcile(inv, createdAt.Add(3*time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusSettled, res.Status)
	assert.True(t, money.MustParse("100").Equal(res.Totals.PaidFace), "got %s", res.Totals.PaidFace)
	assert.Equal(t, 2, res.Totals.PaymentCount)
}

func TestReconcileUnsettledLightningPaymentStaysPending(t *testing.T) {
	inv := chainInvoice(invoice.StatusProcessing)
	inv.Prompts = []*invoice.Prompt{
		{
			Method:      "BTC-LN",
			Destination: "lnbc1invoice",
			AmountDue:   money.MustParse("0.002"),
			Active:      true,
			Payments: []invoice.Payment{
				{
					DedupKey:   "htlc-1",
					Amount:     money.MustParse("0.002"),
					ReceivedAt: createdAt.Add(time.Minute),
					Settled:    false,
				},
			},
		},
	}

	res, err := invoice.Reconcile(inv, createdAt.Add(2*time.Minute), defaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, invoice.StatusProcessing, res.Status)
	assert.True(t, res.Totals.AnyPending)
}

func TestReconcileFeeAllowanceGrowsDue(t *testing.T) {
	first := confirmed("0.001")
	second := confirmed("0.0011")
	second.DedupKey = "tx-second"
	second.ReceivedAt = createdAt.Add(2 * time.Minute)
	inv := chainInvoice(invoice.StatusProcessing, first, second)
	inv.Prompts[0].FeeAllowance = money.MustParse("0.00005")

	res, err := invoice.Reconcile(inv, createdAt.Add(3*time.Minute), defaultPolicy())

	require.NoError(t, err)
	// Due grew by two allowances (0.0001 BTC = 5 USD) and both partials
	// together cover exactly that.
	assert.True(t, money.MustParse("105").Equal(res.Totals.DueFace), "got %s", res.Totals.DueFace)
	assert.Equal(t, invoice.StatusSettled, res.Status)
}
