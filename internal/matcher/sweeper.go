package matcher

import (
	"context"
	"log/slog"
	"time"

	"invoice-service/internal/config"
	"invoice-service/internal/logcontext"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

const (
	defaultSweepIntervalMs = 30_000
	defaultSweepFetchSize  = 100
)

var (
	sweeperErrorCounter = metrics.GetOrCreateCounter(`expiration_sweeper_total{result="error"}`)
	sweeperSweptCounter = metrics.GetOrCreateCounter(`expiration_sweeper_total{result="swept"}`)
)

// Sweeper lazily expires overdue invoices on a ticker instead of
// keeping a live timer per invoice, so memory stays bounded under
// high invoice volume.
type Sweeper struct {
	processor *Processor
	interval  time.Duration
	fetchSize int
	logger    *slog.Logger
}

func NewSweeper(processor *Processor, cfg config.Reconcile, logger *slog.Logger) *Sweeper {
	intervalMs := cfg.SweepIntervalMs
	if intervalMs <= 0 {
		intervalMs = defaultSweepIntervalMs
	}
	fetchSize := cfg.SweepFetchSize
	if fetchSize <= 0 {
		fetchSize = defaultSweepFetchSize
	}
	return &Sweeper{
		processor: processor,
		interval:  time.Duration(intervalMs) * time.Millisecond,
		fetchSize: fetchSize,
		logger:    logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				s.logger.InfoContext(ctx, "Context done, stopping expiration sweeper")
				return
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))
	now := time.Now()

	ids, err := s.processor.invoices.ListOverdue(ctx, now, s.fetchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing overdue invoices", "error", err)
		sweeperErrorCounter.Inc()
		return
	}

	for _, id := range ids {
		if err := s.expireOne(ctx, id, now); err != nil {
			s.logger.ErrorContext(ctx, "Error expiring invoice", "invoiceId", id, "error", err)
			sweeperErrorCounter.Inc()
			continue
		}
		sweeperSweptCounter.Inc()
	}
}

func (s *Sweeper) expireOne(ctx context.Context, id uuid.UUID, now time.Time) error {
	tx, err := s.processor.invoices.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	inv, err := s.processor.invoices.GetByID(ctx, tx, id, true)
	if err != nil {
		return err
	}

	if err := s.processor.reconcileLocked(ctx, tx, inv, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
