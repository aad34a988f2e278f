package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"invoice-service/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// DeliveryStore is the slice of the webhook repository the fan-out
// needs; satisfied by *db.WebhookRepository.
type DeliveryStore interface {
	GetRegistrationsForEvent(ctx context.Context, tx pgx.Tx, storeID, eventType string) ([]*db.Registration, error)
	CreateDelivery(ctx context.Context, tx pgx.Tx, d *db.DeliveryEntity) error
}

// Fanout turns one domain event into one delivery row per enabled,
// subscribed registration, inside the caller's transaction. Writing
// the rows in the same transaction as the state change makes the
// outbox exactly as durable as the transition itself.
type Fanout struct {
	store  DeliveryStore
	logger *slog.Logger
}

func NewFanout(store DeliveryStore, logger *slog.Logger) *Fanout {
	return &Fanout{store: store, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, tx pgx.Tx, ev Event) error {
	regs, err := f.store.GetRegistrationsForEvent(ctx, tx, ev.StoreID, string(ev.Type))
	if err != nil {
		return errors.Wrap(err, "loading registrations")
	}

	for _, reg := range regs {
		deliveryID := uuid.New()
		envelope := BuildEnvelope(ev, deliveryID, reg.ID)

		payloadBytes, err := json.Marshal(envelope)
		if err != nil {
			return errors.Wrap(err, "marshalling envelope")
		}

		now := time.Now()
		scheduledAt := now
		entity := &db.DeliveryEntity{
			ID:          deliveryID,
			WebhookID:   reg.ID,
			InvoiceID:   ev.InvoiceID,
			StoreID:     ev.StoreID,
			EventType:   string(ev.Type),
			Payload:     string(payloadBytes),
			CreatedAt:   now,
			UpdatedAt:   now,
			ScheduledAt: &scheduledAt,
		}

		if err := f.store.CreateDelivery(ctx, tx, entity); err != nil {
			return errors.Wrap(err, "creating delivery")
		}

		f.logger.InfoContext(ctx, "Created webhook delivery",
			"deliveryId", deliveryID, "webhookId", reg.ID, "type", ev.Type)
	}

	return nil
}
