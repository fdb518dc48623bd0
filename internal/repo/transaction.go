package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return r.q(ctx, tx).Create(t).Error
}

// TxByIdempotencyKey looks up the transaction owning key, optionally under
// a row lock.
func (r *Repository) TxByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string, forUpdate bool) (bool, *model.Transaction, error) {
	if key == "" {
		return false, nil, nil
	}
	q := r.q(ctx, tx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var t model.Transaction
	err := q.Where("idempotency_key = ?", key).First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// GetTransactionForUpdate locks transaction row.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTransactionByRef(ctx context.Context, tx *gorm.DB, ref string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.q(ctx, tx).Where("transaction_ref = ?", ref).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTransactionByID(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.q(ctx, tx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTransaction with optimistic lock. The version always moves by one.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, id, oldVersion uint64, fields map[string]interface{}) error {
	fields["version"] = oldVersion + 1
	fields["updated_at"] = time.Now().UTC()
	res := r.q(ctx, tx).
		Model(&model.Transaction{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrVersionConflict
	}
	return nil
}

// ReversalOf returns the reversal pointing at originalID, or nil.
func (r *Repository) ReversalOf(ctx context.Context, tx *gorm.DB, originalID uint64) (*model.Transaction, error) {
	var t model.Transaction
	err := r.q(ctx, tx).Where("reversed_transaction_id = ?", originalID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// StaleTransactions returns rows in one of statuses not touched since olderThan.
func (r *Repository) StaleTransactions(ctx context.Context, statuses []model.TransactionStatus, olderThan time.Time, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, olderThan).
		Order("id").Limit(limit).Find(&out).Error
	return out, err
}

// CreateLedgerEntries appends entries. Entries are never updated.
func (r *Repository) CreateLedgerEntries(ctx context.Context, tx *gorm.DB, entries []model.LedgerEntry) error {
	return tx.WithContext(ctx).Create(&entries).Error
}

func (r *Repository) LedgerByTransaction(ctx context.Context, tx *gorm.DB, transactionID uint64) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.q(ctx, tx).Where("transaction_id = ?", transactionID).Order("id").Find(&out).Error
	return out, err
}

// LedgerByAccount pages an account's entries, newest first.
func (r *Repository) LedgerByAccount(ctx context.Context, accountID uint64, limit, offset int) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("id desc").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

func (r *Repository) CountLedgerEntries(ctx context.Context, tx *gorm.DB, transactionID uint64) (int64, error) {
	var n int64
	err := r.q(ctx, tx).Model(&model.LedgerEntry{}).Where("transaction_id = ?", transactionID).Count(&n).Error
	return n, err
}

func (r *Repository) CreateIdempotencyRecord(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord) error {
	return r.q(ctx, tx).Create(rec).Error
}

// GetIdempotencyRecord returns the unexpired record for key, or nil.
func (r *Repository) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := r.db.WithContext(ctx).Where("idempotency_key = ? AND expires_at > ?", key, now).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PurgeExpiredIdempotency deletes up to limit expired records.
func (r *Repository) PurgeExpiredIdempotency(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []uint64
	if err := r.db.WithContext(ctx).Model(&model.IdempotencyRecord{}).
		Where("expires_at <= ?", now).Order("id").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (r *Repository) CreateFraudCheck(ctx context.Context, tx *gorm.DB, fc *model.FraudCheck) error {
	return r.q(ctx, tx).Create(fc).Error
}
