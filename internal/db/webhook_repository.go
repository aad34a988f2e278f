package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Registration is one webhook subscription for a store. An empty
// event type list subscribes to everything.
type Registration struct {
	ID         uuid.UUID
	StoreID    string
	URL        string
	Secret     string
	EventTypes []string
	Enabled    bool
	CreatedAt  time.Time
}

// DeliveryEntity is one logical attempt-series of a webhook event to
// one registration. The payload is immutable once created; redelivery
// clones it into a new row pointing back at the chain's root id.
type DeliveryEntity struct {
	ID                 uuid.UUID
	WebhookID          uuid.UUID
	InvoiceID          uuid.UUID
	StoreID            string
	OriginalDeliveryID *uuid.UUID
	EventType          string
	Payload            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ScheduledAt        *time.Time
	PublishedAt        *time.Time
	DeliveredAt        *time.Time
	PublishAttempts    int
	Attempts           int
	Exhausted          bool
	Error              *string

	// Joined from the registration when needed for sending.
	URL    string
	Secret string
}

// AttemptEntity is one append-only HTTP attempt record.
type AttemptEntity struct {
	ID         int64
	DeliveryID uuid.UUID
	Attempt    int
	StatusCode *int
	Error      *string
	CreatedAt  time.Time
}

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *WebhookRepository) CreateRegistration(ctx context.Context, reg *Registration) error {
	query := `INSERT INTO webhook_registration (id, store_id, url, secret, event_types, enabled, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, reg.ID, reg.StoreID, reg.URL, reg.Secret, reg.EventTypes, reg.Enabled, reg.CreatedAt)
	return errors.Wrap(err, "inserting registration")
}

func (r *WebhookRepository) ListRegistrations(ctx context.Context, storeID string) ([]*Registration, error) {
	query := `SELECT id, store_id, url, secret, event_types, enabled, created_at
	          FROM webhook_registration WHERE store_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, storeID)
	if err != nil {
		return nil, errors.Wrap(err, "selecting registrations")
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

// GetRegistrationsForEvent returns the enabled registrations of the
// store subscribed to the event type (empty list = all types).
func (r *WebhookRepository) GetRegistrationsForEvent(ctx context.Context, tx pgx.Tx, storeID, eventType string) ([]*Registration, error) {
	query := `SELECT id, store_id, url, secret, event_types, enabled, created_at
	          FROM webhook_registration
	          WHERE store_id = $1 AND enabled = true
	            AND ($2 = ANY(event_types) OR cardinality(event_types) = 0)`
	rows, err := tx.Query(ctx, query, storeID, eventType)
	if err != nil {
		return nil, errors.Wrap(err, "selecting registrations for event")
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func scanRegistrations(rows pgx.Rows) ([]*Registration, error) {
	var regs []*Registration
	for rows.Next() {
		var reg Registration
		if err := rows.Scan(&reg.ID, &reg.StoreID, &reg.URL, &reg.Secret, &reg.EventTypes, &reg.Enabled, &reg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning registration")
		}
		regs = append(regs, &reg)
	}
	return regs, rows.Err()
}

func (r *WebhookRepository) CreateDelivery(ctx context.Context, tx pgx.Tx, d *DeliveryEntity) error {
	query := `INSERT INTO webhook_delivery (id, webhook_id, invoice_id, store_id, original_delivery_id,
	                                        event_type, payload, created_at, updated_at, scheduled_at,
	                                        publish_attempts, attempts, exhausted)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := tx.Exec(ctx, query, d.ID, d.WebhookID, d.InvoiceID, d.StoreID, d.OriginalDeliveryID,
		d.EventType, d.Payload, d.CreatedAt, d.UpdatedAt, d.ScheduledAt, d.PublishAttempts, d.Attempts, d.Exhausted)
	return errors.Wrap(err, "inserting delivery")
}

const deliveryColumns = `d.id, d.webhook_id, d.invoice_id, d.store_id, d.original_delivery_id,
	d.event_type, d.payload, d.created_at, d.updated_at, d.scheduled_at, d.published_at,
	d.delivered_at, d.publish_attempts, d.attempts, d.exhausted, d.error, r.url, r.secret`

func scanDelivery(row pgx.Row) (*DeliveryEntity, error) {
	var d DeliveryEntity
	err := row.Scan(&d.ID, &d.WebhookID, &d.InvoiceID, &d.StoreID, &d.OriginalDeliveryID,
		&d.EventType, &d.Payload, &d.CreatedAt, &d.UpdatedAt, &d.ScheduledAt, &d.PublishedAt,
		&d.DeliveredAt, &d.PublishAttempts, &d.Attempts, &d.Exhausted, &d.Error, &d.URL, &d.Secret)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning delivery")
	}
	return &d, nil
}

// GetUnpublishedDeliveries fetches the due batch for the producer:
// scheduled, not yet delivered, not exhausted. Locks the rows so
// concurrent producers never double publish.
func (r *WebhookRepository) GetUnpublishedDeliveries(ctx context.Context, tx pgx.Tx, limit int) ([]*DeliveryEntity, error) {
	query := `SELECT ` + deliveryColumns + `
	          FROM webhook_delivery d
	          JOIN webhook_registration r ON r.id = d.webhook_id
	          WHERE d.scheduled_at IS NOT NULL AND d.scheduled_at <= now()
	            AND d.delivered_at IS NULL AND d.exhausted = false
	          ORDER BY d.scheduled_at
	          LIMIT $1
	          FOR UPDATE OF d SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "selecting unpublished deliveries")
	}
	defer rows.Close()

	var out []*DeliveryEntity
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Update writes back the producer-owned columns after a publish pass.
func (r *WebhookRepository) Update(ctx context.Context, tx pgx.Tx, d *DeliveryEntity) error {
	query := `UPDATE webhook_delivery
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, d.ID, d.ScheduledAt, d.PublishedAt, d.PublishAttempts, d.Error)
	return errors.Wrap(err, "updating delivery")
}

func (r *WebhookRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*DeliveryEntity, error) {
	query := `SELECT ` + deliveryColumns + `
	          FROM webhook_delivery d
	          JOIN webhook_registration r ON r.id = d.webhook_id
	          WHERE d.id = $1
	          FOR UPDATE OF d`
	return scanDelivery(tx.QueryRow(ctx, query, id))
}

func (r *WebhookRepository) GetDeliveryByID(ctx context.Context, id uuid.UUID) (*DeliveryEntity, error) {
	query := `SELECT ` + deliveryColumns + `
	          FROM webhook_delivery d
	          JOIN webhook_registration r ON r.id = d.webhook_id
	          WHERE d.id = $1`
	return scanDelivery(r.pool.QueryRow(ctx, query, id))
}

// RecordAttempt appends to the attempt history; rows are never
// updated or deleted.
func (r *WebhookRepository) RecordAttempt(ctx context.Context, tx pgx.Tx, a *AttemptEntity) error {
	query := `INSERT INTO webhook_delivery_attempt (delivery_id, attempt, status_code, error, created_at)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err := tx.Exec(ctx, query, a.DeliveryID, a.Attempt, a.StatusCode, a.Error, a.CreatedAt)
	return errors.Wrap(err, "inserting attempt")
}

func (r *WebhookRepository) MarkDelivered(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, at time.Time) error {
	query := `UPDATE webhook_delivery
	          SET delivered_at = $2, attempts = $3, scheduled_at = NULL, error = NULL, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, at, attempts)
	return errors.Wrap(err, "marking delivered")
}

func (r *WebhookRepository) Reschedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, scheduledAt time.Time, attempts int, errMsg string) error {
	query := `UPDATE webhook_delivery
	          SET scheduled_at = $2, attempts = $3, error = $4, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, scheduledAt, attempts, errMsg)
	return errors.Wrap(err, "rescheduling delivery")
}

// MarkExhausted parks the delivery permanently: no scheduled_at means
// the producer never picks it up again, only manual redelivery can.
func (r *WebhookRepository) MarkExhausted(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, errMsg string) error {
	query := `UPDATE webhook_delivery
	          SET exhausted = true, scheduled_at = NULL, attempts = $2, error = $3, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, attempts, errMsg)
	return errors.Wrap(err, "marking delivery exhausted")
}

func (r *WebhookRepository) ListDeliveriesByStore(ctx context.Context, storeID string, limit int) ([]*DeliveryEntity, error) {
	query := `SELECT ` + deliveryColumns + `
	          FROM webhook_delivery d
	          JOIN webhook_registration r ON r.id = d.webhook_id
	          WHERE d.store_id = $1
	          ORDER BY d.created_at DESC
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, storeID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "selecting deliveries by store")
	}
	defer rows.Close()

	var out []*DeliveryEntity
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *WebhookRepository) ListAttempts(ctx context.Context, deliveryID uuid.UUID) ([]*AttemptEntity, error) {
	query := `SELECT id, delivery_id, attempt, status_code, error, created_at
	          FROM webhook_delivery_attempt WHERE delivery_id = $1 ORDER BY attempt`
	rows, err := r.pool.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, errors.Wrap(err, "selecting attempts")
	}
	defer rows.Close()

	var out []*AttemptEntity
	for rows.Next() {
		var a AttemptEntity
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Attempt, &a.StatusCode, &a.Error, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning attempt")
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
