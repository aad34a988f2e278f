package matcher

import (
	"testing"
	"time"

	"invoice-service/internal/event"
	"invoice-service/internal/invoice"
	"invoice-service/internal/message"
	"invoice-service/internal/money"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testPrompt() *invoice.Prompt {
	return &invoice.Prompt{
		Method:      "BTC-CHAIN",
		Destination: "bc1qdest",
		AmountDue:   money.MustParse("0.002"),
		Active:      true,
		Payments: []invoice.Payment{
			{
				DedupKey:      "txid:0",
				Amount:        money.MustParse("0.002"),
				Confirmations: 2,
				ReceivedAt:    time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
			},
		},
	}
}

func TestApplyObservationMergesConfirmationsByMax(t *testing.T) {
	prompt := testPrompt()

	applied := applyObservation(prompt, message.PaymentObserved{DedupKey: "txid:0", Confirmations: 5})
	assert.True(t, applied)
	assert.Equal(t, 5, prompt.Payments[0].Confirmations)

	// Out-of-order replay with a lower depth must not regress.
	applyObservation(prompt, message.PaymentObserved{DedupKey: "txid:0", Confirmations: 1})
	assert.Equal(t, 5, prompt.Payments[0].Confirmations)
}

func TestApplyObservationLatchesSettled(t *testing.T) {
	prompt := testPrompt()

	applyObservation(prompt, message.PaymentObserved{DedupKey: "txid:0", Settled: true})
	assert.True(t, prompt.Payments[0].Settled)

	applyObservation(prompt, message.PaymentObserved{DedupKey: "txid:0", Settled: false})
	assert.True(t, prompt.Payments[0].Settled, "settled never unlatches")
}

func TestApplyObservationMarksReversal(t *testing.T) {
	prompt := testPrompt()

	applyObservation(prompt, message.PaymentObserved{DedupKey: "txid:0", Reversed: true})
	assert.True(t, prompt.Payments[0].Reversed)
}

func TestApplyObservationNeverChangesAmount(t *testing.T) {
	prompt := testPrompt()

	applyObservation(prompt, message.PaymentObserved{
		DedupKey:      "txid:0",
		Amount:        money.MustParse("9.999"),
		Confirmations: 3,
	})
	assert.True(t, money.MustParse("0.002").Equal(prompt.Payments[0].Amount))
}

func TestApplyObservationUnknownDedupKey(t *testing.T) {
	prompt := testPrompt()

	applied := applyObservation(prompt, message.PaymentObserved{DedupKey: "txid:1", Confirmations: 3})
	assert.False(t, applied)
	assert.Len(t, prompt.Payments, 1)
}

func TestPaymentReceivedEventSnapshotsArrivalStatus(t *testing.T) {
	prompt := testPrompt()
	inv := &invoice.Invoice{
		ID:      uuid.New(),
		StoreID: "store-1",
		Status:  invoice.StatusNew,
		Prompts: []*invoice.Prompt{prompt},
	}

	ev := paymentReceivedEvent(inv, prompt, message.PaymentObserved{
		DedupKey: "txid:0",
		Amount:   money.MustParse("0.002"),
	})

	assert.Equal(t, event.TypePaymentReceived, ev.Type)
	assert.Equal(t, inv.ID, ev.InvoiceID)
	assert.Equal(t, invoice.StatusNew, ev.StatusBefore)
	assert.Equal(t, invoice.StatusNew, ev.StatusAfter)
	assert.Equal(t, "txid:0", ev.Data["dedupKey"])
}

func TestObservedAtFallsBackToNow(t *testing.T) {
	fixed := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, fixed, observedAt(message.PaymentObserved{ObservedAt: fixed}))

	before := time.Now()
	got := observedAt(message.PaymentObserved{})
	assert.False(t, got.Before(before))
}
