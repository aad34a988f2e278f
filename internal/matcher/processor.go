package matcher

import (
	"context"
	"log/slog"
	"time"

	"invoice-service/internal/db"
	"invoice-service/internal/event"
	"invoice-service/internal/invoice"
	"invoice-service/internal/logcontext"
	"invoice-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var (
	matcherDiscardedCounter = metrics.GetOrCreateCounter(`payment_matcher_total{result="discarded"}`)
	matcherDuplicateCounter = metrics.GetOrCreateCounter(`payment_matcher_total{result="duplicate"}`)
	matcherMatchedCounter   = metrics.GetOrCreateCounter(`payment_matcher_total{result="matched"}`)
	matcherReversedCounter  = metrics.GetOrCreateCounter(`payment_matcher_total{result="reversed"}`)
	matcherErrorCounter     = metrics.GetOrCreateCounter(`payment_matcher_total{result="error"}`)

	reconcileSettledCounter    = metrics.GetOrCreateCounter(`invoice_reconcile_total{outcome="settled"}`)
	reconcileExpiredCounter    = metrics.GetOrCreateCounter(`invoice_reconcile_total{outcome="expired"}`)
	reconcileProcessingCounter = metrics.GetOrCreateCounter(`invoice_reconcile_total{outcome="processing"}`)
	reconcileInvalidCounter    = metrics.GetOrCreateCounter(`invoice_reconcile_total{outcome="invalid"}`)
	reconcileNoopCounter       = metrics.GetOrCreateCounter(`invoice_reconcile_total{outcome="noop"}`)

	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`invoice_reconcile_duration_milliseconds`)
)

// Processor consumes payment observations and drives the invoice
// state machine. All events for one invoice arrive on one partition,
// and the invoice row lock serializes anything that slips past that,
// so reconciliation is single-writer per invoice.
type Processor struct {
	invoices *db.InvoiceRepository
	fanout   *event.Fanout
	policy   invoice.Policy
	logger   *slog.Logger
}

func NewProcessor(invoices *db.InvoiceRepository, fanout *event.Fanout, policy invoice.Policy, logger *slog.Logger) *Processor {
	return &Processor{
		invoices: invoices,
		fanout:   fanout,
		policy:   policy,
		logger:   logger,
	}
}

func (p *Processor) Process(ctx context.Context, obs message.PaymentObserved) error {
	startTime := time.Now()
	method := invoice.Method(obs.Method)

	tx, err := p.invoices.BeginTx(ctx)
	if err != nil {
		matcherErrorCounter.Inc()
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	invoiceID := obs.InvoiceID
	if invoiceID == uuid.Nil {
		invoiceID, err = p.invoices.FindOpenByDestination(ctx, tx, method, obs.Destination)
		if err == db.ErrNotFound {
			p.logger.InfoContext(ctx, "No open invoice claims destination, discarding",
				"method", obs.Method, "destination", obs.Destination)
			matcherDiscardedCounter.Inc()
			return nil
		}
		if err != nil {
			matcherErrorCounter.Inc()
			return err
		}
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("invoiceId", invoiceID.String()))

	inv, err := p.invoices.GetByID(ctx, tx, invoiceID, true)
	if err == db.ErrNotFound {
		matcherDiscardedCounter.Inc()
		return nil
	}
	if err != nil {
		matcherErrorCounter.Inc()
		return err
	}

	if inv.Archived || inv.Status == invoice.StatusInvalid {
		p.logger.InfoContext(ctx, "Invoice no longer accepts payments, discarding", "status", inv.Status)
		matcherDiscardedCounter.Inc()
		return nil
	}

	prompt := inv.PromptByDestination(method, obs.Destination)
	if prompt == nil {
		prompt = inv.Prompt(method)
	}
	if prompt == nil {
		p.logger.InfoContext(ctx, "Invoice has no prompt for method, discarding", "method", obs.Method)
		matcherDiscardedCounter.Inc()
		return nil
	}

	inserted, err := p.upsertPayment(ctx, tx, inv, prompt, obs)
	if err != nil {
		matcherErrorCounter.Inc()
		return err
	}

	// The payment event goes out before reconciliation moves the
	// status, so its snapshot is the status the payment arrived in.
	if inserted {
		if err := p.fanout.Publish(ctx, tx, paymentReceivedEvent(inv, prompt, obs)); err != nil {
			matcherErrorCounter.Inc()
			return err
		}
	}

	if err := p.reconcileLocked(ctx, tx, inv, time.Now()); err != nil {
		matcherErrorCounter.Inc()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		matcherErrorCounter.Inc()
		return errors.Wrap(err, "committing transaction")
	}

	reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	return nil
}

// upsertPayment writes the observation through to the database and
// mirrors it into the loaded aggregate. The conditional insert is the
// dedup point: losing the race means another observation already
// matched this payment, which is a no-op, not an error.
func (p *Processor) upsertPayment(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice, prompt *invoice.Prompt, obs message.PaymentObserved) (bool, error) {
	if obs.Reversed {
		if prompt.Payment(obs.DedupKey) == nil {
			matcherDiscardedCounter.Inc()
			return false, nil
		}
		err := p.invoices.UpdatePaymentObservation(ctx, tx, inv.ID, prompt.Method, obs.DedupKey,
			obs.Confirmations, obs.Settled, true)
		if err != nil {
			return false, err
		}
		applyObservation(prompt, obs)
		p.logger.WarnContext(ctx, "Payment reversed by reorg", "dedupKey", obs.DedupKey)
		matcherReversedCounter.Inc()
		return false, nil
	}

	pay := invoice.Payment{
		DedupKey:      obs.DedupKey,
		Amount:        obs.Amount,
		Fee:           obs.Fee,
		ReceivedAt:    observedAt(obs),
		Confirmations: obs.Confirmations,
		Settled:       obs.Settled,
	}

	inserted, err := p.invoices.InsertPaymentIfAbsent(ctx, tx, inv.ID, prompt.Method, pay)
	if err != nil {
		return false, err
	}

	if inserted {
		prompt.Payments = append(prompt.Payments, pay)
		matcherMatchedCounter.Inc()
		return true, nil
	}

	// Known dedup key: only the confirmation depth may move, and only
	// forward.
	err = p.invoices.UpdatePaymentObservation(ctx, tx, inv.ID, prompt.Method, obs.DedupKey,
		obs.Confirmations, obs.Settled, false)
	if err != nil {
		return false, err
	}
	applyObservation(prompt, obs)
	matcherDuplicateCounter.Inc()
	return false, nil
}

// paymentReceivedEvent snapshots the invoice as the payment found it.
// It must be built before reconcileLocked mutates the aggregate.
func paymentReceivedEvent(inv *invoice.Invoice, prompt *invoice.Prompt, obs message.PaymentObserved) event.Event {
	return event.Event{
		ID:             uuid.New(),
		Type:           event.TypePaymentReceived,
		InvoiceID:      inv.ID,
		StoreID:        inv.StoreID,
		Timestamp:      time.Now(),
		StatusBefore:   inv.Status,
		StatusAfter:    inv.Status,
		ExceptionFlags: inv.Flags.Strings(),
		Data: map[string]any{
			"method":      string(prompt.Method),
			"destination": prompt.Destination,
			"dedupKey":    obs.DedupKey,
			"amount":      obs.Amount,
		},
	}
}

// reconcileLocked runs the engine over the locked aggregate and
// persists the outcome plus one domain event per traversed edge. The
// caller owns the transaction.
func (p *Processor) reconcileLocked(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice, now time.Time) error {
	res, err := invoice.Reconcile(inv, now, p.policy)
	if err != nil {
		// Reconciliation must never wedge an invoice on a glitch: log
		// and move on, the next observation re-evaluates from scratch.
		p.logger.ErrorContext(ctx, "Error reconciling invoice, skipping", "error", err)
		reconcileNoopCounter.Inc()
		return nil
	}

	if !res.Changed {
		reconcileNoopCounter.Inc()
		return nil
	}

	if err := p.invoices.UpdateStatus(ctx, tx, inv.ID, res.Status, res.Flags); err != nil {
		return err
	}

	// A single evaluation may traverse more than one edge (a first
	// payment that already settles goes New -> Processing -> Settled).
	// Subscribers see every edge, in order.
	statusBefore := inv.Status
	prev := statusBefore
	for i, status := range res.Path {
		flags := inv.Flags
		if i == len(res.Path)-1 {
			flags = res.Flags
		}
		ev := event.Event{
			ID:             uuid.New(),
			Type:           event.ForStatus(status),
			InvoiceID:      inv.ID,
			StoreID:        inv.StoreID,
			Timestamp:      now,
			StatusBefore:   prev,
			StatusAfter:    status,
			ExceptionFlags: flags.Strings(),
			Data: map[string]any{
				"dueFace":       res.Totals.DueFace,
				"paidFace":      res.Totals.PaidFace,
				"remainingFace": res.Totals.RemainingFace(),
			},
		}
		if err := p.fanout.Publish(ctx, tx, ev); err != nil {
			return err
		}
		prev = status
	}
	if len(res.Path) > 0 {
		countOutcome(res.Status)
	}

	inv.Status = res.Status
	inv.Flags = res.Flags

	p.logger.InfoContext(ctx, "Invoice reconciled",
		"statusBefore", statusBefore, "statusAfter", res.Status, "flags", res.Flags.Strings())
	return nil
}

// MarkInvalid is the administrative override: it forces any
// non-archived invoice to Invalid.
func (p *Processor) MarkInvalid(ctx context.Context, invoiceID uuid.UUID) error {
	tx, err := p.invoices.BeginTx(ctx)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	inv, err := p.invoices.GetByID(ctx, tx, invoiceID, true)
	if err != nil {
		return err
	}
	if inv.Archived {
		return errors.New("invoice is archived")
	}
	if inv.Status == invoice.StatusInvalid {
		return tx.Commit(ctx)
	}

	if err := p.invoices.UpdateStatus(ctx, tx, inv.ID, invoice.StatusInvalid, inv.Flags); err != nil {
		return err
	}

	ev := event.Event{
		ID:             uuid.New(),
		Type:           event.TypeInvoiceInvalid,
		InvoiceID:      inv.ID,
		StoreID:        inv.StoreID,
		Timestamp:      time.Now(),
		StatusBefore:   inv.Status,
		StatusAfter:    invoice.StatusInvalid,
		ExceptionFlags: inv.Flags.Strings(),
	}
	if err := p.fanout.Publish(ctx, tx, ev); err != nil {
		return err
	}

	reconcileInvalidCounter.Inc()
	return tx.Commit(ctx)
}

func countOutcome(status invoice.Status) {
	switch status {
	case invoice.StatusSettled:
		reconcileSettledCounter.Inc()
	case invoice.StatusExpired:
		reconcileExpiredCounter.Inc()
	case invoice.StatusProcessing:
		reconcileProcessingCounter.Inc()
	case invoice.StatusInvalid:
		reconcileInvalidCounter.Inc()
	}
}

func observedAt(obs message.PaymentObserved) time.Time {
	if obs.ObservedAt.IsZero() {
		return time.Now()
	}
	return obs.ObservedAt
}

// applyObservation mirrors a repeated or reversal observation into
// the in-memory aggregate the engine evaluates. Confirmation depth
// merges by max; the amount is never replaced.
func applyObservation(prompt *invoice.Prompt, obs message.PaymentObserved) bool {
	existing := prompt.Payment(obs.DedupKey)
	if existing == nil {
		return false
	}
	if obs.Confirmations > existing.Confirmations {
		existing.Confirmations = obs.Confirmations
	}
	existing.Settled = existing.Settled || obs.Settled
	if obs.Reversed {
		existing.Reversed = true
	}
	return true
}
