package service

import (
	"context"
	"fmt"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Gate is the idempotency gate. Exactly one caller per key gets a PENDING
// row to execute; everyone else gets a replay or a typed refusal.
type Gate struct {
	repo       repo.RepositoryInterface
	maxRetries int
	log        *zap.SugaredLogger
}

// Admit claims the key in candidate. It returns the admitted PENDING row,
// or a non-nil replay when the key already completed with the same
// parameters.
func (g *Gate) Admit(ctx context.Context, candidate *model.Transaction) (*model.Transaction, *TransferResult, error) {
	var (
		admitted *model.Transaction
		replay   *TransferResult
	)
	err := g.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		found, existing, err := g.repo.TxByIdempotencyKey(ctx, tx, candidate.IdempotencyKey, true)
		if err != nil {
			return err
		}
		if !found {
			if err := g.repo.CreateTransaction(ctx, tx, candidate); err != nil {
				return err
			}
			admitted = candidate
			return nil
		}
		admitted, replay, err = g.resolve(ctx, tx, existing, candidate)
		return err
	})
	if err != nil && repo.IsDuplicateKey(err) {
		// lost the insert race to a concurrent request with the same key
		return g.afterRace(ctx, candidate)
	}
	if err != nil {
		return nil, nil, err
	}
	return admitted, replay, nil
}

func (g *Gate) resolve(ctx context.Context, tx *gorm.DB, existing, candidate *model.Transaction) (*model.Transaction, *TransferResult, error) {
	if existing.RequestFingerprint != candidate.RequestFingerprint {
		return nil, nil, apperr.ErrIdempotencyKeyReused
	}
	switch existing.Status {
	case model.StatusCompleted:
		return nil, resultOf(existing, true), nil
	case model.StatusPending, model.StatusProcessing:
		return nil, nil, apperr.ErrStillProcessing.WithDetails("", map[string]string{"transaction_reference": existing.TransactionRef})
	case model.StatusFailed:
		if existing.RetryCount >= g.maxRetries {
			return nil, nil, apperr.ErrRetriesExhausted.WithDetails("", map[string]string{
				"transaction_reference": existing.TransactionRef,
				"last_error":            existing.LastError,
			})
		}
		if err := g.repo.UpdateTransaction(ctx, tx, existing.ID, existing.Version, map[string]interface{}{
			"status":      model.StatusPending,
			"retry_count": existing.RetryCount + 1,
			"last_error":  "",
			"fee":         candidate.Fee,
			"description": candidate.Description,
		}); err != nil {
			return nil, nil, err
		}
		g.log.Infow("retrying failed transaction", "transaction_ref", existing.TransactionRef, "attempt", existing.RetryCount+1)
		retried := *existing
		retried.Status = model.StatusPending
		retried.RetryCount++
		retried.LastError = ""
		retried.Fee = candidate.Fee
		retried.Description = candidate.Description
		retried.Version++
		return &retried, nil, nil
	default:
		return nil, nil, apperr.ErrTransactionClosed.WithDetails("", map[string]string{
			"transaction_reference": existing.TransactionRef,
			"status":                string(existing.Status),
		})
	}
}

func (g *Gate) afterRace(ctx context.Context, candidate *model.Transaction) (*model.Transaction, *TransferResult, error) {
	found, existing, err := g.repo.TxByIdempotencyKey(ctx, nil, candidate.IdempotencyKey, false)
	if err != nil {
		return nil, nil, fmt.Errorf("re-read idempotency key: %w", err)
	}
	if !found {
		return nil, nil, apperr.ErrStillProcessing
	}
	if existing.RequestFingerprint != candidate.RequestFingerprint {
		return nil, nil, apperr.ErrIdempotencyKeyReused
	}
	if existing.Status == model.StatusCompleted {
		return nil, resultOf(existing, true), nil
	}
	return nil, nil, apperr.ErrStillProcessing.WithDetails("", map[string]string{"transaction_reference": existing.TransactionRef})
}
