package db

import (
	"context"
	"time"

	"invoice-service/internal/invoice"
	"invoice-service/internal/rate"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

type InvoiceRepository struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

func (r *InvoiceRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create persists the invoice aggregate: the invoice row, its locked
// rates and its prompts, all inside the caller's transaction.
func (r *InvoiceRepository) Create(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error {
	query := `INSERT INTO invoice (id, store_id, order_id, face_amount, face_currency, speed_policy,
	                               status, exception_flags, created_at, expires_at, archived)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := tx.Exec(ctx, query, inv.ID, inv.StoreID, inv.OrderID, inv.FaceAmount, inv.FaceCurrency,
		inv.SpeedPolicy, inv.Status, int(inv.Flags), inv.CreatedAt, inv.ExpiresAt, inv.Archived)
	if err != nil {
		return errors.Wrap(err, "inserting invoice")
	}

	for pair, rt := range inv.Rates.Pairs() {
		_, err := tx.Exec(ctx,
			`INSERT INTO invoice_rate (invoice_id, pair, rate) VALUES ($1, $2, $3)`,
			inv.ID, pair.String(), rt)
		if err != nil {
			return errors.Wrapf(err, "inserting rate for %s", pair)
		}
	}

	for _, p := range inv.Prompts {
		_, err := tx.Exec(ctx,
			`INSERT INTO invoice_prompt (invoice_id, method, destination, amount_due, fee_allowance, active)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			inv.ID, p.Method, p.Destination, p.AmountDue, p.FeeAllowance, p.Active)
		if err != nil {
			return errors.Wrapf(err, "inserting prompt %s", p.Method)
		}
	}

	return nil
}

// GetByID loads the full aggregate. With forUpdate the invoice row is
// locked for the rest of the transaction; this is the per-invoice
// serialization point for reconciliation.
func (r *InvoiceRepository) GetByID(ctx context.Context, tx pgx.Tx, id uuid.UUID, forUpdate bool) (*invoice.Invoice, error) {
	query := `SELECT id, store_id, order_id, face_amount, face_currency, speed_policy,
	                 status, exception_flags, created_at, expires_at, archived
	          FROM invoice WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var inv invoice.Invoice
	var flags int
	err := tx.QueryRow(ctx, query, id).Scan(&inv.ID, &inv.StoreID, &inv.OrderID, &inv.FaceAmount,
		&inv.FaceCurrency, &inv.SpeedPolicy, &inv.Status, &flags, &inv.CreatedAt, &inv.ExpiresAt, &inv.Archived)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting invoice")
	}
	inv.Flags = invoice.Flags(flags)

	if err := r.loadRates(ctx, tx, &inv); err != nil {
		return nil, err
	}
	if err := r.loadPrompts(ctx, tx, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *InvoiceRepository) loadRates(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error {
	rows, err := tx.Query(ctx, `SELECT pair, rate FROM invoice_rate WHERE invoice_id = $1`, inv.ID)
	if err != nil {
		return errors.Wrap(err, "selecting rates")
	}
	defer rows.Close()

	rates := make(map[rate.Pair]decimal.Decimal)
	for rows.Next() {
		var pairStr string
		var rt decimal.Decimal
		if err := rows.Scan(&pairStr, &rt); err != nil {
			return errors.Wrap(err, "scanning rate")
		}
		pair, err := rate.ParsePair(pairStr)
		if err != nil {
			return err
		}
		rates[pair] = rt
	}
	inv.Rates = rate.FromRates(rates)
	return rows.Err()
}

func (r *InvoiceRepository) loadPrompts(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error {
	rows, err := tx.Query(ctx,
		`SELECT method, destination, amount_due, fee_allowance, active
		 FROM invoice_prompt WHERE invoice_id = $1 ORDER BY method`, inv.ID)
	if err != nil {
		return errors.Wrap(err, "selecting prompts")
	}
	defer rows.Close()

	for rows.Next() {
		var p invoice.Prompt
		if err := rows.Scan(&p.Method, &p.Destination, &p.AmountDue, &p.FeeAllowance, &p.Active); err != nil {
			return errors.Wrap(err, "scanning prompt")
		}
		inv.Prompts = append(inv.Prompts, &p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range inv.Prompts {
		payRows, err := tx.Query(ctx,
			`SELECT dedup_key, amount, fee, received_at, confirmations, settled, reversed
			 FROM invoice_payment WHERE invoice_id = $1 AND method = $2 ORDER BY received_at`,
			inv.ID, p.Method)
		if err != nil {
			return errors.Wrap(err, "selecting payments")
		}
		for payRows.Next() {
			var pay invoice.Payment
			if err := payRows.Scan(&pay.DedupKey, &pay.Amount, &pay.Fee, &pay.ReceivedAt,
				&pay.Confirmations, &pay.Settled, &pay.Reversed); err != nil {
				payRows.Close()
				return errors.Wrap(err, "scanning payment")
			}
			p.Payments = append(p.Payments, pay)
		}
		payRows.Close()
		if err := payRows.Err(); err != nil {
			return err
		}
	}
	return nil
}

// FindOpenByDestination is the destination reverse index: it returns
// the id of the non-archived invoice whose prompt owns the
// destination, or ErrNotFound when nothing claims it.
func (r *InvoiceRepository) FindOpenByDestination(ctx context.Context, tx pgx.Tx, method invoice.Method, destination string) (uuid.UUID, error) {
	query := `SELECT i.id FROM invoice i
	          JOIN invoice_prompt p ON p.invoice_id = i.id
	          WHERE p.method = $1 AND p.destination = $2
	            AND i.archived = false AND i.status <> 'Invalid'
	          ORDER BY i.created_at DESC LIMIT 1`

	var id uuid.UUID
	err := tx.QueryRow(ctx, query, method, destination).Scan(&id)
	if err == pgx.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "resolving destination")
	}
	return id, nil
}

// InsertPaymentIfAbsent is the conditional insert guarding against
// double counting. A lost race on the dedup key is reported as
// inserted=false, never as an error.
func (r *InvoiceRepository) InsertPaymentIfAbsent(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID, method invoice.Method, p invoice.Payment) (bool, error) {
	query := `INSERT INTO invoice_payment (invoice_id, method, dedup_key, amount, fee, received_at, confirmations, settled, reversed)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (method, dedup_key) DO NOTHING`
	tag, err := tx.Exec(ctx, query, invoiceID, method, p.DedupKey, p.Amount, p.Fee, p.ReceivedAt,
		p.Confirmations, p.Settled, p.Reversed)
	if err != nil {
		return false, errors.Wrap(err, "inserting payment")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdatePaymentObservation merges a repeated observation into an
// existing payment: confirmation depth only ever grows (out-of-order
// depth updates take the max), and settled and reversed both latch on.
// A reversed payment stays reversed even when a stale or replayed
// observation arrives afterwards. The amount is never replaced.
func (r *InvoiceRepository) UpdatePaymentObservation(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID, method invoice.Method, dedupKey string, confirmations int, settled, reversed bool) error {
	query := `UPDATE invoice_payment
	          SET confirmations = GREATEST(confirmations, $4),
	              settled = settled OR $5,
	              reversed = reversed OR $6
	          WHERE invoice_id = $1 AND method = $2 AND dedup_key = $3`
	_, err := tx.Exec(ctx, query, invoiceID, method, dedupKey, confirmations, settled, reversed)
	return errors.Wrap(err, "updating payment observation")
}

func (r *InvoiceRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status invoice.Status, flags invoice.Flags) error {
	query := `UPDATE invoice SET status = $2, exception_flags = $3 WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, status, int(flags))
	return errors.Wrap(err, "updating invoice status")
}

// ListOverdue returns ids of non-terminal invoices past their expiry,
// for the lazy expiration sweep.
func (r *InvoiceRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `SELECT id FROM invoice
	          WHERE status IN ('New', 'Processing') AND expires_at < $1 AND archived = false
	          ORDER BY expires_at LIMIT $2`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "selecting overdue invoices")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning invoice id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Archive soft-deletes a terminal invoice. Archived invoices are
// never reconciled again.
func (r *InvoiceRepository) Archive(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE invoice SET archived = true WHERE id = $1`, id)
	return errors.Wrap(err, "archiving invoice")
}

// ReplaceRates swaps the locked rates and prompt due amounts, for the
// administrative refresh before any payment is matched.
func (r *InvoiceRepository) ReplaceRates(ctx context.Context, tx pgx.Tx, inv *invoice.Invoice) error {
	if _, err := tx.Exec(ctx, `DELETE FROM invoice_rate WHERE invoice_id = $1`, inv.ID); err != nil {
		return errors.Wrap(err, "clearing rates")
	}
	for pair, rt := range inv.Rates.Pairs() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO invoice_rate (invoice_id, pair, rate) VALUES ($1, $2, $3)`,
			inv.ID, pair.String(), rt); err != nil {
			return errors.Wrapf(err, "inserting rate for %s", pair)
		}
	}
	for _, p := range inv.Prompts {
		if _, err := tx.Exec(ctx,
			`UPDATE invoice_prompt SET amount_due = $3 WHERE invoice_id = $1 AND method = $2`,
			inv.ID, p.Method, p.AmountDue); err != nil {
			return errors.Wrapf(err, "updating prompt due for %s", p.Method)
		}
	}
	return nil
}
