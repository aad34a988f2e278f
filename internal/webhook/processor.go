package webhook

import (
	"context"
	"log/slog"
	"time"

	"invoice-service/internal/config"
	"invoice-service/internal/db"
	"invoice-service/internal/logcontext"
	"invoice-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultParallelism      = 1000
	defaultMaxAttempts      = 6
	defaultRetryBaseDelayMs = 10_000
	defaultRetryMaxDelayMs  = 600_000
)

var (
	processorDeliveredCounter = metrics.GetOrCreateCounter(`webhook_processor_total{result="delivered"}`)
	processorRetriedCounter   = metrics.GetOrCreateCounter(`webhook_processor_total{result="rescheduled"}`)
	processorExhaustedCounter = metrics.GetOrCreateCounter(`webhook_processor_total{result="exhausted"}`)
	processorSkippedCounter   = metrics.GetOrCreateCounter(`webhook_processor_total{result="skipped"}`)
	processorErrorCounter     = metrics.GetOrCreateCounter(`webhook_processor_total{result="db_error"}`)
)

// Processor consumes delivery dispatch messages and performs the HTTP
// attempt inside a row-locking transaction, so attempt N+1 can never
// start before attempt N's outcome is committed.
type Processor struct {
	repo        *db.WebhookRepository
	sender      *Sender
	sem         chan struct{}
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
}

func NewProcessor(repo *db.WebhookRepository, sender *Sender, cfg config.WebhookProcessor, logger *slog.Logger) *Processor {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	maxAttempts := cfg.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelayMs := cfg.RetryBaseDelayMs
	if baseDelayMs <= 0 {
		baseDelayMs = defaultRetryBaseDelayMs
	}
	maxDelayMs := cfg.RetryMaxDelayMs
	if maxDelayMs <= 0 {
		maxDelayMs = defaultRetryMaxDelayMs
	}

	return &Processor{
		repo:        repo,
		sender:      sender,
		sem:         make(chan struct{}, parallelism),
		maxAttempts: maxAttempts,
		baseDelay:   time.Duration(baseDelayMs) * time.Millisecond,
		maxDelay:    time.Duration(maxDelayMs) * time.Millisecond,
		logger:      logger,
	}
}

func (p *Processor) Process(ctx context.Context, msg message.Delivery) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("deliveryId", msg.ID.String()))

	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		p.attempt(ctx, msg)
	}()

	return nil
}

func (p *Processor) attempt(ctx context.Context, msg message.Delivery) {
	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		processorErrorCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	entity, err := p.repo.SelectForUpdateByID(ctx, tx, msg.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error selecting delivery for update", "error", err)
		processorErrorCounter.Inc()
		return
	}

	// Replayed dispatch for a delivery that already reached an
	// outcome: nothing to do.
	if entity.DeliveredAt != nil || entity.Exhausted {
		p.logger.InfoContext(ctx, "Delivery already finalized, skipping")
		processorSkippedCounter.Inc()
		return
	}

	statusCode, sendErr := p.sender.Send(ctx, entity.URL, entity.Secret, entity.Payload)
	attempts := entity.Attempts + 1
	now := time.Now()

	attempt := &db.AttemptEntity{
		DeliveryID: entity.ID,
		Attempt:    attempts,
		CreatedAt:  now,
	}
	if statusCode != 0 {
		attempt.StatusCode = &statusCode
	}
	if sendErr != nil {
		errMsg := sendErr.Error()
		attempt.Error = &errMsg
	}
	if err := p.repo.RecordAttempt(ctx, tx, attempt); err != nil {
		p.logger.ErrorContext(ctx, "Error recording attempt", "error", err)
		processorErrorCounter.Inc()
		return
	}

	if sendErr != nil {
		if attempts >= p.maxAttempts {
			p.logger.WarnContext(ctx, "Delivery exhausted", "attempts", attempts, "error", sendErr)
			err = p.repo.MarkExhausted(ctx, tx, entity.ID, attempts, sendErr.Error())
			processorExhaustedCounter.Inc()
		} else {
			next := now.Add(p.Backoff(attempts))
			p.logger.InfoContext(ctx, "Delivery failed, rescheduling", "attempts", attempts, "nextAttemptAt", next)
			err = p.repo.Reschedule(ctx, tx, entity.ID, next, attempts, sendErr.Error())
			processorRetriedCounter.Inc()
		}
	} else {
		err = p.repo.MarkDelivered(ctx, tx, entity.ID, attempts, now)
		processorDeliveredCounter.Inc()
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error updating delivery", "error", err)
		processorErrorCounter.Inc()
		return
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		processorErrorCounter.Inc()
	}
}

// Backoff returns the delay before the next attempt: exponential in
// the number of failed attempts, capped at the configured maximum.
func (p *Processor) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.baseDelay << (attempts - 1)
	if delay > p.maxDelay || delay <= 0 {
		return p.maxDelay
	}
	return delay
}
