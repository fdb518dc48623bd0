package job

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Metrics receives job outcomes.
type Metrics interface {
	Reconciled(status string)
	InvariantViolation()
	OutboxPublished()
	OutboxFailed()
}

// Reconciler force-fails transactions abandoned in PENDING or PROCESSING,
// which makes them eligible for a client retry, and purges expired
// idempotency records.
type Reconciler struct {
	repo       repo.RepositoryInterface
	metrics    Metrics
	log        *zap.SugaredLogger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewReconciler(r repo.RepositoryInterface, m Metrics, interval, staleAfter time.Duration, batch int, logger *zap.SugaredLogger) *Reconciler {
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		repo:       r,
		metrics:    m,
		log:        logger,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  batch,
		now:        time.Now,
	}
}

// Start runs until ctx is cancelled.
func (j *Reconciler) Start(ctx context.Context) error {
	j.log.Infow("reconciler started", "interval", j.interval, "stale_after", j.staleAfter)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Errorw("reconcile pass failed", "error", err)
			}
		}
	}
}

// RunOnce handles one batch and reports how many rows it failed.
func (j *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := j.now().UTC()
	stale, err := j.repo.StaleTransactions(ctx,
		[]model.TransactionStatus{model.StatusPending, model.StatusProcessing},
		now.Add(-j.staleAfter), j.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale transactions: %w", err)
	}

	failed := 0
	for _, t := range stale {
		ok, err := j.reconcile(ctx, t.ID, now)
		if err != nil {
			j.log.Errorw("reconcile transaction", "transaction_ref", t.TransactionRef, "error", err)
			continue
		}
		if ok {
			failed++
			j.metrics.Reconciled(string(t.Status))
			j.log.Warnw("abandoned transaction force-failed", "transaction_ref", t.TransactionRef, "status", t.Status)
		}
	}

	purged, err := j.repo.PurgeExpiredIdempotency(ctx, now, j.batchSize)
	if err != nil {
		return failed, fmt.Errorf("purge idempotency records: %w", err)
	}
	if purged > 0 {
		j.log.Infow("expired idempotency records purged", "count", purged)
	}
	return failed, nil
}

func (j *Reconciler) reconcile(ctx context.Context, id uint64, now time.Time) (bool, error) {
	changed := false
	err := j.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := j.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		// picked up again since it was listed
		if t.Status != model.StatusPending && t.Status != model.StatusProcessing {
			return nil
		}
		if t.UpdatedAt.After(now.Add(-j.staleAfter)) {
			return nil
		}
		n, err := j.repo.CountLedgerEntries(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			j.metrics.InvariantViolation()
			return apperr.Invariantf("transaction %s is %s but has %d ledger entries", t.TransactionRef, t.Status, n)
		}
		if err := j.repo.UpdateTransaction(ctx, tx, t.ID, t.Version, map[string]interface{}{
			"status":     model.StatusFailed,
			"last_error": "reconciled: abandoned in " + string(t.Status),
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}
