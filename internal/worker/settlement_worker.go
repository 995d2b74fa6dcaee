package worker

import (
	"context"
	"sync"
	"time"

	"github.com/skygames/payout-engine/internal/models"
	"github.com/skygames/payout-engine/internal/observability"
	"github.com/skygames/payout-engine/internal/repository"
	"github.com/skygames/payout-engine/internal/service"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 25
)

// SettlementWorker drains the pipeline in the background: queued transactions
// get submitted, submitted ones get checked for settlement. One batch runs at
// a time.
type SettlementWorker struct {
	ledger  repository.TransactionLedger
	payouts *service.PayoutService
	log     *zap.Logger

	pollInterval time.Duration
	batchSize    int

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	startM sync.Mutex
}

// Option configures the worker.
type Option func(*SettlementWorker)

// WithPollInterval overrides how often a batch runs.
func WithPollInterval(d time.Duration) Option {
	return func(w *SettlementWorker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithBatchSize overrides how many records one batch picks up.
func WithBatchSize(n int) Option {
	return func(w *SettlementWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// NewSettlementWorker wires the worker.
func NewSettlementWorker(ledger repository.TransactionLedger, payouts *service.PayoutService, log *zap.Logger, opts ...Option) *SettlementWorker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &SettlementWorker{
		ledger:       ledger,
		payouts:      payouts,
		log:          log.Named("settlement_worker"),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BatchResult counts what one batch did.
type BatchResult struct {
	Processed int `json:"processed"`
	Submitted int `json:"submitted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}

// ProcessBatch runs one settlement pass. Safe to call concurrently with the
// background loop; passes serialize on an internal mutex.
func (w *SettlementWorker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	var result BatchResult
	pending, err := w.ledger.ListByStatus(ctx,
		[]models.PayoutStatus{models.StatusQueued, models.StatusSubmitted}, w.batchSize)
	if err != nil {
		observability.RecordWorkerRun("error")
		return result, err
	}

	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
		result.Processed++

		switch rec.Status {
		case models.StatusQueued:
			out, err := w.payouts.SubmitQueuedTransaction(ctx, rec.ID)
			if err != nil {
				w.log.Warn("batch submission failed", zap.String("id", rec.ID.String()), zap.Error(err))
				continue
			}
			if out.Submitted {
				result.Submitted++
			} else if out.Transaction.Status == models.StatusFailed {
				result.Failed++
			}

		case models.StatusSubmitted:
			updated, err := w.payouts.ConfirmSubmittedTransaction(ctx, rec.ID)
			if err != nil {
				w.log.Warn("batch confirmation failed", zap.String("id", rec.ID.String()), zap.Error(err))
				continue
			}
			switch updated.Status {
			case models.StatusConfirmed:
				result.Confirmed++
			case models.StatusFailed:
				result.Failed++
			}
		}
	}

	observability.RecordWorkerRun("ok")
	if result.Processed > 0 {
		w.log.Info("settlement batch finished",
			zap.Int("processed", result.Processed),
			zap.Int("submitted", result.Submitted),
			zap.Int("confirmed", result.Confirmed),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// Start launches the background loop. Calling Start on a running worker is a
// no-op.
func (w *SettlementWorker) Start(ctx context.Context) {
	w.startM.Lock()
	defer w.startM.Unlock()
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx, w.stopCh, w.doneCh)
	w.log.Info("settlement worker started",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize))
}

// Stop signals the loop and waits for the in-flight batch to finish.
func (w *SettlementWorker) Stop() {
	w.startM.Lock()
	defer w.startM.Unlock()
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.stopCh = nil
	w.doneCh = nil
	w.log.Info("settlement worker stopped")
}

func (w *SettlementWorker) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("settlement batch errored", zap.Error(err))
			}
		}
	}
}
