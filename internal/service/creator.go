package service

import (
	"context"
	"log/slog"
	"time"

	"invoice-service/internal/db"
	"invoice-service/internal/event"
	"invoice-service/internal/invoice"
	"invoice-service/internal/rate"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNoPaymentMethod = errors.New("invoice accepts no payment method")
	ErrInvalidAmount   = errors.New("face amount must be positive")
	ErrPaymentsMatched = errors.New("payments already matched, rates are frozen")
	ErrInvoiceNotOpen  = errors.New("invoice is not open")
	ErrMissingDest     = errors.New("missing destination for payment method")
	ErrInvoiceNotFound = db.ErrNotFound
)

const defaultExpiry = 15 * time.Minute

// CreateParams is the invoice creation contract consumed from the
// merchant-facing API. Destinations come from the wallet collaborator
// that derived an address / lightning invoice per accepted method.
type CreateParams struct {
	StoreID      string
	OrderID      string
	FaceAmount   decimal.Decimal
	FaceCurrency string
	SpeedPolicy  invoice.SpeedPolicy
	Expiry       time.Duration
	Destinations map[invoice.Method]string
}

// Creator builds new invoices: it locks rates (failing closed when
// the source cannot produce one), derives each prompt's due amount
// and publishes InvoiceCreated.
type Creator struct {
	invoices          *db.InvoiceRepository
	rates             rate.Source
	fanout            *event.Fanout
	chainFeeAllowance decimal.Decimal
	logger            *slog.Logger
}

func NewCreator(invoices *db.InvoiceRepository, rates rate.Source, fanout *event.Fanout, chainFeeAllowance decimal.Decimal, logger *slog.Logger) *Creator {
	return &Creator{
		invoices:          invoices,
		rates:             rates,
		fanout:            fanout,
		chainFeeAllowance: chainFeeAllowance,
		logger:            logger,
	}
}

func (c *Creator) Create(ctx context.Context, params CreateParams) (*invoice.Invoice, error) {
	if len(params.Destinations) == 0 {
		return nil, ErrNoPaymentMethod
	}
	if params.FaceAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	expiry := params.Expiry
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	policy := params.SpeedPolicy
	if policy == "" {
		policy = invoice.MediumSpeed
	}

	now := time.Now()
	inv := &invoice.Invoice{
		ID:           uuid.New(),
		StoreID:      params.StoreID,
		OrderID:      params.OrderID,
		FaceAmount:   params.FaceAmount,
		FaceCurrency: params.FaceCurrency,
		SpeedPolicy:  policy,
		Status:       invoice.StatusNew,
		CreatedAt:    now,
		ExpiresAt:    now.Add(expiry),
	}

	var pairs []rate.Pair
	for method, destination := range params.Destinations {
		if destination == "" {
			return nil, errors.Wrapf(ErrMissingDest, "method %s", method)
		}
		pairs = append(pairs, inv.Pair(method))
	}

	// No invoice without a rate: a source error or unusable rate
	// rejects the creation synchronously.
	lock, err := rate.Capture(ctx, c.rates, pairs)
	if err != nil {
		return nil, errors.Wrap(err, "locking rates")
	}
	inv.Rates = lock

	if err := c.buildPrompts(inv, params.Destinations); err != nil {
		return nil, err
	}

	tx, err := c.invoices.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	if err := c.invoices.Create(ctx, tx, inv); err != nil {
		return nil, err
	}

	ev := event.Event{
		ID:           uuid.New(),
		Type:         event.TypeInvoiceCreated,
		InvoiceID:    inv.ID,
		StoreID:      inv.StoreID,
		Timestamp:    now,
		StatusBefore: invoice.StatusNew,
		StatusAfter:  invoice.StatusNew,
		Data: map[string]any{
			"orderId":      inv.OrderID,
			"faceAmount":   inv.FaceAmount,
			"faceCurrency": inv.FaceCurrency,
			"expiresAt":    inv.ExpiresAt,
		},
	}
	if err := c.fanout.Publish(ctx, tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing transaction")
	}

	c.logger.InfoContext(ctx, "Created invoice",
		"invoiceId", inv.ID, "storeId", inv.StoreID, "faceAmount", inv.FaceAmount, "faceCurrency", inv.FaceCurrency)
	return inv, nil
}

func (c *Creator) buildPrompts(inv *invoice.Invoice, destinations map[invoice.Method]string) error {
	for method, destination := range destinations {
		due, err := inv.Rates.AmountDue(inv.FaceAmount, inv.Pair(method), method.Divisibility())
		if err != nil {
			return errors.Wrapf(err, "computing amount due for %s", method)
		}

		feeAllowance := decimal.Zero
		if !method.Lightning() {
			feeAllowance = c.chainFeeAllowance
		}

		inv.Prompts = append(inv.Prompts, &invoice.Prompt{
			Method:       method,
			Destination:  destination,
			AmountDue:    due,
			FeeAllowance: feeAllowance,
			Active:       true,
		})
	}
	return nil
}

// RefreshDueAmounts re-locks the rates and recomputes every prompt's
// due amount. Forbidden once any payment has been matched, since it
// would retroactively change what "enough" means.
func (c *Creator) RefreshDueAmounts(ctx context.Context, invoiceID uuid.UUID) (*invoice.Invoice, error) {
	tx, err := c.invoices.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	inv, err := c.invoices.GetByID(ctx, tx, invoiceID, true)
	if err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusNew && inv.Status != invoice.StatusProcessing {
		return nil, ErrInvoiceNotOpen
	}
	if inv.HasPayments() {
		return nil, ErrPaymentsMatched
	}

	var pairs []rate.Pair
	for _, p := range inv.Prompts {
		pairs = append(pairs, inv.Pair(p.Method))
	}

	lock, err := rate.Capture(ctx, c.rates, pairs)
	if err != nil {
		return nil, errors.Wrap(err, "relocking rates")
	}
	inv.Rates = lock

	for _, p := range inv.Prompts {
		due, err := lock.AmountDue(inv.FaceAmount, inv.Pair(p.Method), p.Method.Divisibility())
		if err != nil {
			return nil, errors.Wrapf(err, "recomputing amount due for %s", p.Method)
		}
		p.AmountDue = due
	}

	if err := c.invoices.ReplaceRates(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing transaction")
	}

	c.logger.InfoContext(ctx, "Refreshed invoice due amounts", "invoiceId", inv.ID)
	return inv, nil
}
