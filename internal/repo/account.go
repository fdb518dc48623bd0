package repo

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetAccountByNumber reads an account without locking it.
func (r *Repository) GetAccountByNumber(ctx context.Context, tx *gorm.DB, number string) (*model.Account, error) {
	var a model.Account
	if err := r.q(ctx, tx).Where("account_number = ?", number).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetAccountByID(ctx context.Context, tx *gorm.DB, id uint64) (*model.Account, error) {
	var a model.Account
	if err := r.q(ctx, tx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// LockAccounts takes row locks on the given accounts one at a time in
// ascending id order, whatever order the caller passes them in. Every
// writer goes through here so two transfers over the same pair can never
// wait on each other in a cycle.
func (r *Repository) LockAccounts(ctx context.Context, tx *gorm.DB, ids ...uint64) (map[uint64]*model.Account, error) {
	ordered := make([]uint64, 0, len(ids))
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	out := make(map[uint64]*model.Account, len(ordered))
	for _, id := range ordered {
		var a model.Account
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&a).Error; err != nil {
			return nil, err
		}
		out[id] = &a
	}
	return out, nil
}

// ApplyBalanceDelta moves balance and available_balance by delta in one
// statement, guarded by the version the caller read under lock.
func (r *Repository) ApplyBalanceDelta(ctx context.Context, tx *gorm.DB, accountID uint64, delta decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", accountID, oldVersion).
		Updates(map[string]interface{}{
			"balance":           gorm.Expr("balance + ?", delta),
			"available_balance": gorm.Expr("available_balance + ?", delta),
			"version":           gorm.Expr("version + 1"),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrVersionConflict
	}
	return nil
}

// IsAuthorizedHolder reports whether userID is a joint holder of the
// account with transact rights.
func (r *Repository) IsAuthorizedHolder(ctx context.Context, tx *gorm.DB, accountID, userID uint64) (bool, error) {
	var n int64
	err := r.q(ctx, tx).Model(&model.JointHolder{}).
		Where("account_id = ? AND user_id = ? AND can_transact = ?", accountID, userID, true).
		Count(&n).Error
	return n > 0, err
}

// GetAccountLimit returns nil when the account has no static limits.
func (r *Repository) GetAccountLimit(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.AccountLimit, error) {
	var l model.AccountLimit
	err := r.q(ctx, tx).Where("account_id = ?", accountID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ActiveLimits returns every active rolling limit for the source account or
// the acting user, ordered by id.
func (r *Repository) ActiveLimits(ctx context.Context, tx *gorm.DB, accountID uint64, userID *uint64, txType model.TransactionType, forUpdate bool) ([]model.TransactionLimit, error) {
	q := r.q(ctx, tx).Where("is_active = ? AND transaction_type = ?", true, txType)
	if userID != nil {
		q = q.Where("(account_id = ? OR user_id = ?)", accountID, *userID)
	} else {
		q = q.Where("account_id = ?", accountID)
	}
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out []model.TransactionLimit
	err := q.Order("id").Find(&out).Error
	return out, err
}

// ResetLimit zeroes a limit's counters for a new period. The version guard
// makes the reset happen once even if two writers saw the same stale row.
func (r *Repository) ResetLimit(ctx context.Context, tx *gorm.DB, id, oldVersion uint64, resetAt time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.TransactionLimit{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(map[string]interface{}{
			"current_amount": decimal.Zero,
			"current_count":  0,
			"reset_at":       resetAt,
			"version":        oldVersion + 1,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrVersionConflict
	}
	return nil
}

// IncrementLimitUsage adds one transaction of amount to the counters.
func (r *Repository) IncrementLimitUsage(ctx context.Context, tx *gorm.DB, id uint64, amount decimal.Decimal) error {
	return tx.WithContext(ctx).
		Model(&model.TransactionLimit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_amount": gorm.Expr("current_amount + ?", amount),
			"current_count":  gorm.Expr("current_count + 1"),
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (r *Repository) FeeRules(ctx context.Context, tx *gorm.DB, txType model.TransactionType) ([]model.FeeRule, error) {
	var out []model.FeeRule
	err := r.q(ctx, tx).Where("transaction_type = ? AND is_active = ?", txType, true).Order("min_amount").Find(&out).Error
	return out, err
}
