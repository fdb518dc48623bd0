package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repo exposes the repository for wiring and tests.
func (s *TransferService) Repo() repo.RepositoryInterface { return s.repo }

// GetTransaction looks a transaction up by its external reference.
func (s *TransferService) GetTransaction(ctx context.Context, ref string) (*model.Transaction, error) {
	t, err := s.repo.GetTransactionByRef(ctx, nil, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrTransactionNotFound
	}
	return t, err
}

// GetBalance reads cache first then DB.
func (s *TransferService) GetBalance(ctx context.Context, accountNumber string) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, accountNumber)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warnw("balance cache read failed", "account_number", accountNumber, "error", err)
	}
	a, err := s.repo.GetAccountByNumber(ctx, nil, accountNumber)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, apperr.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, accountNumber, a.Balance); err != nil {
		s.log.Warn(err)
	}
	return a.Balance, nil
}

// Ledger pages an account's entries, newest first.
func (s *TransferService) Ledger(ctx context.Context, accountNumber string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	a, err := s.repo.GetAccountByNumber(ctx, nil, accountNumber)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return s.repo.LedgerByAccount(ctx, a.ID, limit, offset)
}
