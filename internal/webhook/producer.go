package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"invoice-service/internal/config"
	"invoice-service/internal/db"
	"invoice-service/internal/logcontext"
	"invoice-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs   = 500
	defaultFetchSize           = 200
	defaultRetryPublishDelayMs = 10_000
	defaultMaxPublishAttempts  = 3
)

var (
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`webhook_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`webhook_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`webhook_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`webhook_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`webhook_producer_duration_milliseconds`)

	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="rescheduled"}`)
)

// Producer polls the delivery outbox and publishes due deliveries to
// the dispatch topic. Retried deliveries come back through the same
// poll once their backoff schedule elapses.
type Producer struct {
	repo               *db.WebhookRepository
	writer             *kafka.Writer
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(repo *db.WebhookRepository, writer *kafka.Writer, cfg config.WebhookProducer, logger *slog.Logger) *Producer {
	pollingIntervalMs := cfg.PollingIntervalMs
	if pollingIntervalMs <= 0 {
		pollingIntervalMs = defaultPollingIntervalMs
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	retryDelayMs := cfg.RetryDelayMs
	if retryDelayMs <= 0 {
		retryDelayMs = defaultRetryPublishDelayMs
	}
	maxPublishAttempts := cfg.MaxPublishAttempts
	if maxPublishAttempts <= 0 {
		maxPublishAttempts = defaultMaxPublishAttempts
	}

	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(pollingIntervalMs) * time.Millisecond,
		fetchSize:          fetchSize,
		retryDelay:         time.Duration(retryDelayMs) * time.Millisecond,
		maxPublishAttempts: maxPublishAttempts,
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping producer")
				return
			}
		}
	}()
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one poll pass.
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	deliveries, err := p.repo.GetUnpublishedDeliveries(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching due deliveries", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(deliveries) == 0 {
		producerSuccessCounter.Inc()
		return
	}

	kafkaMessages := p.toKafkaMessages(ctx, deliveries)

	err = p.writer.WriteMessages(ctx, kafkaMessages...)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", err)
		producerErrorKafkaCounter.Inc()
	}

	now := time.Now()
	for _, delivery := range deliveries {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("deliveryId", delivery.ID.String()))

		delivery.PublishAttempts++

		if err != nil {
			errMsg := err.Error()
			delivery.Error = &errMsg

			if delivery.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for delivery")
				delivery.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(delivery.PublishAttempts) * p.retryDelay)
				delivery.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			publishedAt := now
			delivery.PublishedAt = &publishedAt
			delivery.ScheduledAt = nil
			delivery.Error = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.Update(messageCtx, tx, delivery); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating delivery", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
	} else {
		producerSuccessCounter.Inc()
	}

	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (p *Producer) toKafkaMessages(ctx context.Context, deliveries []*db.DeliveryEntity) []kafka.Message {
	var kafkaMessages []kafka.Message

	for _, entity := range deliveries {
		dispatch := message.Delivery{
			ID:        entity.ID,
			WebhookID: entity.WebhookID,
			InvoiceID: entity.InvoiceID,
			URL:       entity.URL,
			Payload:   entity.Payload,
			Attempts:  entity.Attempts,
		}

		messageBytes, _ := json.Marshal(dispatch)

		// Invoice id as key keeps all deliveries of one invoice on one
		// partition.
		kafkaMessages = append(kafkaMessages, kafka.Message{
			Key:   []byte(entity.InvoiceID.String()),
			Value: messageBytes,
		})
	}
	return kafkaMessages
}
