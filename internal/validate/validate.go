// Package validate decides whether a transfer may run. It reads accounts,
// holders and limits but never writes, so it can run once before the fraud
// call and again inside the executor once the rows are locked.
package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/limits"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reader is the slice of the repository the validator needs.
type Reader interface {
	IsAuthorizedHolder(ctx context.Context, tx *gorm.DB, accountID, userID uint64) (bool, error)
	GetAccountLimit(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.AccountLimit, error)
	ActiveLimits(ctx context.Context, tx *gorm.DB, accountID uint64, userID *uint64, txType model.TransactionType, forUpdate bool) ([]model.TransactionLimit, error)
}

// Rules are the absolute business bounds.
type Rules struct {
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Location  *time.Location
}

type Request struct {
	Source      *model.Account
	Destination *model.Account
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Type        model.TransactionType
	UserID      uint64
	// LockLimits takes row locks on the limit rows it reads. Only valid
	// inside a database transaction.
	LockLimits bool
}

// Result carries what the executor needs to persist limit usage.
type Result struct {
	Usage []limits.Usage
}

type Validator struct {
	reader Reader
	rules  Rules
	now    func() time.Time
}

func New(reader Reader, rules Rules, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	if rules.Location == nil {
		rules.Location = time.UTC
	}
	return &Validator{reader: reader, rules: rules, now: now}
}

// Validate runs every check in order and stops at the first failure.
func (v *Validator) Validate(ctx context.Context, tx *gorm.DB, req Request) (*Result, error) {
	src, dst := req.Source, req.Destination
	if src == nil {
		return nil, apperr.ErrSourceNotFound
	}
	if dst == nil {
		return nil, apperr.ErrDestinationNotFound
	}
	if src.ID == dst.ID {
		return nil, apperr.ErrSameAccount
	}

	if err := v.Authorize(ctx, tx, src, req.UserID); err != nil {
		return nil, err
	}
	if err := Operable(src, dst); err != nil {
		return nil, err
	}
	if err := v.businessRules(req); err != nil {
		return nil, err
	}

	srcLimit, err := v.reader.GetAccountLimit(ctx, tx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("load source limits: %w", err)
	}
	if srcLimit != nil && srcLimit.SingleTransactionDebitLimit.IsPositive() &&
		req.Amount.GreaterThan(srcLimit.SingleTransactionDebitLimit) {
		return nil, apperr.ErrSingleDebitLimit.WithDetails("", map[string]string{
			"max_amount": srcLimit.SingleTransactionDebitLimit.StringFixed(2),
		})
	}
	dstLimit, err := v.reader.GetAccountLimit(ctx, tx, dst.ID)
	if err != nil {
		return nil, fmt.Errorf("load destination limits: %w", err)
	}
	if dstLimit != nil && dstLimit.SingleTransactionCreditLimit.IsPositive() &&
		req.Amount.GreaterThan(dstLimit.SingleTransactionCreditLimit) {
		return nil, apperr.ErrSingleCreditLimit.WithDetails("", map[string]string{
			"max_amount": dstLimit.SingleTransactionCreditLimit.StringFixed(2),
		})
	}

	usage, err := v.rolling(ctx, tx, req, srcLimit)
	if err != nil {
		return nil, err
	}

	if err := CheckFunds(src, req.Amount, req.Fee); err != nil {
		return nil, err
	}
	return &Result{Usage: usage}, nil
}

// Authorize checks that userID owns acct or is one of its joint holders.
func (v *Validator) Authorize(ctx context.Context, tx *gorm.DB, acct *model.Account, userID uint64) error {
	if acct.OwnerID != nil && *acct.OwnerID == userID {
		return nil
	}
	ok, err := v.reader.IsAuthorizedHolder(ctx, tx, acct.ID, userID)
	if err != nil {
		return fmt.Errorf("check joint holder: %w", err)
	}
	if !ok {
		return apperr.ErrPermissionDenied
	}
	return nil
}

// Operable checks that money may leave src and enter dst.
func Operable(src, dst *model.Account) error {
	if err := statusErr(src.Status, apperr.ErrSourceFrozen, apperr.ErrSourceClosed, apperr.ErrSourceInactive); err != nil {
		return err
	}
	if err := statusErr(dst.Status, apperr.ErrDestinationFrozen, apperr.ErrDestinationClosed, apperr.ErrDestinationInactive); err != nil {
		return err
	}
	if !src.AllowDebit {
		return apperr.ErrDebitNotAllowed
	}
	if !dst.AllowCredit {
		return apperr.ErrCreditNotAllowed
	}
	return nil
}

func statusErr(s model.AccountStatus, frozen, closed, inactive *apperr.Error) error {
	switch s {
	case model.AccountActive:
		return nil
	case model.AccountFrozen:
		return frozen
	case model.AccountClosed:
		return closed
	default:
		return inactive.WithDetails("", map[string]string{"status": string(s)})
	}
}

func (v *Validator) businessRules(req Request) error {
	if req.Amount.LessThan(v.rules.MinAmount) {
		return apperr.ErrAmountBelowMinimum.WithDetails("", map[string]string{"min_amount": v.rules.MinAmount.StringFixed(2)})
	}
	if v.rules.MaxAmount.IsPositive() && req.Amount.GreaterThan(v.rules.MaxAmount) {
		return apperr.ErrAmountAboveMaximum.WithDetails("", map[string]string{"max_amount": v.rules.MaxAmount.StringFixed(2)})
	}
	if req.Source.AccountType == model.AccountFixedDeposit && req.Type.IsWithdrawalClass() {
		return apperr.ErrAccountTypeRestriction
	}
	if req.Source.Currency != req.Destination.Currency {
		return apperr.ErrCurrencyMismatch.WithDetails("", map[string]string{
			"source_currency":      req.Source.Currency,
			"destination_currency": req.Destination.Currency,
		})
	}
	return nil
}

// rolling evaluates every active limit for the source account and user.
// A DAILY row for the source account is mandatory.
func (v *Validator) rolling(ctx context.Context, tx *gorm.DB, req Request, static *model.AccountLimit) ([]limits.Usage, error) {
	userID := req.UserID
	rows, err := v.reader.ActiveLimits(ctx, tx, req.Source.ID, &userID, req.Type, req.LockLimits)
	if err != nil {
		return nil, fmt.Errorf("load transaction limits: %w", err)
	}
	now := v.now()
	hasDaily := false
	out := make([]limits.Usage, 0, len(rows))
	for _, row := range rows {
		var st *model.AccountLimit
		if row.AccountID != nil && *row.AccountID == req.Source.ID {
			st = static
			if row.LimitType == model.LimitDaily {
				hasDaily = true
			}
		}
		u := limits.View(row, st, now, v.rules.Location)
		if err := u.Check(req.Amount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if !hasDaily {
		return nil, apperr.ErrLimitNotConfigured.WithDetails("", map[string]string{"transaction_type": string(req.Type)})
	}
	return out, nil
}

// CheckFunds is the balance and hold guard: available_balance is already
// net of holds and must cover amount plus fee.
func CheckFunds(src *model.Account, amount, fee decimal.Decimal) error {
	required := amount.Add(fee)
	if src.AvailableBalance.LessThan(required) {
		return apperr.ErrInsufficientFunds.WithDetails("", map[string]string{
			"available": src.AvailableBalance.StringFixed(2),
			"required":  required.StringFixed(2),
		})
	}
	return nil
}
