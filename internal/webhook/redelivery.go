package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"invoice-service/internal/db"
	"invoice-service/internal/event"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// DeliveryLog is the repository slice redelivery needs; satisfied by
// *db.WebhookRepository.
type DeliveryLog interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	GetDeliveryByID(ctx context.Context, id uuid.UUID) (*db.DeliveryEntity, error)
	CreateDelivery(ctx context.Context, tx pgx.Tx, d *db.DeliveryEntity) error
}

// Redeliverer implements manual redelivery: the payload is cloned
// into a fresh delivery with a reset attempt counter, pointing back
// at the root of the logical-event chain. Prior deliveries and their
// attempt histories are never touched.
type Redeliverer struct {
	log    DeliveryLog
	logger *slog.Logger
}

func NewRedeliverer(log DeliveryLog, logger *slog.Logger) *Redeliverer {
	return &Redeliverer{log: log, logger: logger}
}

func (r *Redeliverer) Redeliver(ctx context.Context, deliveryID uuid.UUID) (*db.DeliveryEntity, error) {
	original, err := r.log.GetDeliveryByID(ctx, deliveryID)
	if err != nil {
		return nil, errors.Wrap(err, "loading original delivery")
	}

	// The chain root is the first delivery of the logical event, no
	// matter how many redeliveries happened in between.
	root := original.ID
	if original.OriginalDeliveryID != nil {
		root = *original.OriginalDeliveryID
	}

	newID := uuid.New()
	payload, err := rewriteEnvelope(original.Payload, newID, root)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scheduledAt := now
	clone := &db.DeliveryEntity{
		ID:                 newID,
		WebhookID:          original.WebhookID,
		InvoiceID:          original.InvoiceID,
		StoreID:            original.StoreID,
		OriginalDeliveryID: &root,
		EventType:          original.EventType,
		Payload:            payload,
		CreatedAt:          now,
		UpdatedAt:          now,
		ScheduledAt:        &scheduledAt,
	}

	tx, err := r.log.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	if err := r.log.CreateDelivery(ctx, tx, clone); err != nil {
		return nil, errors.Wrap(err, "creating redelivery")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing redelivery")
	}

	r.logger.InfoContext(ctx, "Created redelivery",
		"deliveryId", newID, "originalDeliveryId", root)

	return clone, nil
}

// rewriteEnvelope clones the payload, updating only the envelope's
// delivery ids; the event data snapshot stays byte-for-byte intact.
func rewriteEnvelope(payload string, deliveryID, originalDeliveryID uuid.UUID) (string, error) {
	var envelope event.Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return "", errors.Wrap(err, "decoding delivery payload")
	}

	envelope.DeliveryID = deliveryID
	envelope.OriginalDeliveryID = &originalDeliveryID

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Wrap(err, "encoding delivery payload")
	}
	return string(out), nil
}
