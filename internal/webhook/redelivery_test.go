package webhook_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"invoice-service/internal/db"
	"invoice-service/internal/event"
	"invoice-service/internal/webhook"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	pgx.Tx
}

func (stubTx) Commit(context.Context) error   { return nil }
func (stubTx) Rollback(context.Context) error { return nil }

type stubDeliveryLog struct {
	deliveries map[uuid.UUID]*db.DeliveryEntity
	created    []*db.DeliveryEntity
}

func (s *stubDeliveryLog) BeginTx(context.Context) (pgx.Tx, error) {
	return stubTx{}, nil
}

func (s *stubDeliveryLog) GetDeliveryByID(_ context.Context, id uuid.UUID) (*db.DeliveryEntity, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (s *stubDeliveryLog) CreateDelivery(_ context.Context, _ pgx.Tx, d *db.DeliveryEntity) error {
	s.created = append(s.created, d)
	return nil
}

func exhaustedDelivery(t *testing.T) *db.DeliveryEntity {
	t.Helper()

	id := uuid.New()
	webhookID := uuid.New()
	envelope := event.Envelope{
		DeliveryID: id,
		WebhookID:  webhookID,
		Type:       event.TypeInvoiceSettled,
		Timestamp:  time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		Data:       map[string]any{"invoiceId": uuid.New().String(), "paidFace": "100"},
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	return &db.DeliveryEntity{
		ID:        id,
		WebhookID: webhookID,
		InvoiceID: uuid.New(),
		StoreID:   "store-1",
		EventType: string(event.TypeInvoiceSettled),
		Payload:   string(payload),
		Attempts:  6,
		Exhausted: true,
	}
}

func TestRedeliverClonesWithFreshCounters(t *testing.T) {
	original := exhaustedDelivery(t)
	log := &stubDeliveryLog{deliveries: map[uuid.UUID]*db.DeliveryEntity{original.ID: original}}
	r := webhook.NewRedeliverer(log, discardLogger())

	clone, err := r.Redeliver(context.Background(), original.ID)

	require.NoError(t, err)
	require.Len(t, log.created, 1)
	assert.NotEqual(t, original.ID, clone.ID)
	require.NotNil(t, clone.OriginalDeliveryID)
	assert.Equal(t, original.ID, *clone.OriginalDeliveryID)
	assert.Equal(t, original.WebhookID, clone.WebhookID)
	assert.Equal(t, original.InvoiceID, clone.InvoiceID)
	assert.Equal(t, original.EventType, clone.EventType)
	assert.Equal(t, 0, clone.Attempts)
	assert.False(t, clone.Exhausted)
	assert.NotNil(t, clone.ScheduledAt)
}

func TestRedeliverRewritesEnvelopeIDsOnly(t *testing.T) {
	original := exhaustedDelivery(t)
	log := &stubDeliveryLog{deliveries: map[uuid.UUID]*db.DeliveryEntity{original.ID: original}}
	r := webhook.NewRedeliverer(log, discardLogger())

	clone, err := r.Redeliver(context.Background(), original.ID)
	require.NoError(t, err)

	var cloned, orig event.Envelope
	require.NoError(t, json.Unmarshal([]byte(clone.Payload), &cloned))
	require.NoError(t, json.Unmarshal([]byte(original.Payload), &orig))

	assert.Equal(t, clone.ID, cloned.DeliveryID)
	require.NotNil(t, cloned.OriginalDeliveryID)
	assert.Equal(t, original.ID, *cloned.OriginalDeliveryID)

	// The event snapshot itself stays frozen.
	assert.Equal(t, orig.WebhookID, cloned.WebhookID)
	assert.Equal(t, orig.Type, cloned.Type)
	assert.True(t, orig.Timestamp.Equal(cloned.Timestamp))
	assert.Equal(t, orig.Data, cloned.Data)
}

func TestRedeliverOfRedeliveryPointsAtChainRoot(t *testing.T) {
	rootID := uuid.New()
	original := exhaustedDelivery(t)
	original.OriginalDeliveryID = &rootID
	log := &stubDeliveryLog{deliveries: map[uuid.UUID]*db.DeliveryEntity{original.ID: original}}
	r := webhook.NewRedeliverer(log, discardLogger())

	clone, err := r.Redeliver(context.Background(), original.ID)

	require.NoError(t, err)
	require.NotNil(t, clone.OriginalDeliveryID)
	assert.Equal(t, rootID, *clone.OriginalDeliveryID)
}

func TestRedeliverUnknownDelivery(t *testing.T) {
	log := &stubDeliveryLog{deliveries: map[uuid.UUID]*db.DeliveryEntity{}}
	r := webhook.NewRedeliverer(log, discardLogger())

	_, err := r.Redeliver(context.Background(), uuid.New())
	assert.Error(t, err)
}
