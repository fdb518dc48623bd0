package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"github.com/richardliu001/bank-core/internal/validate"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reverse books a REVERSAL transaction that undoes every ledger posting of
// the COMPLETED transaction ref. The original row is left as it was; the
// link runs from the reversal back to it. Reversing twice replays the first
// reversal.
func (s *TransferService) Reverse(ctx context.Context, ref string, userID uint64, reason string) (*TransferResult, error) {
	ctx = context.WithoutCancel(ctx)
	start := s.opts.Now()
	var (
		res  *TransferResult
		done *Execution
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.GetTransactionByRef(ctx, tx, ref)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		orig, err := s.repo.GetTransactionForUpdate(ctx, tx, found.ID)
		if err != nil {
			return fmt.Errorf("lock original: %w", err)
		}
		if orig.Status != model.StatusCompleted || orig.Type == model.TxReversal {
			return apperr.ErrNotReversible.WithDetails("", map[string]string{
				"status":           string(orig.Status),
				"transaction_type": string(orig.Type),
			})
		}
		if err := s.authorizeReversal(ctx, tx, orig, userID); err != nil {
			return err
		}
		prior, err := s.repo.ReversalOf(ctx, tx, orig.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			res = resultOf(prior, true)
			return nil
		}

		entries, err := s.repo.LedgerByTransaction(ctx, tx, orig.ID)
		if err != nil {
			return fmt.Errorf("read original ledger: %w", err)
		}
		legs, ids, err := inverse(entries, orig)
		if err != nil {
			return err
		}
		locked, err := s.repo.LockAccounts(ctx, tx, ids...)
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		if err := coverable(legs, locked); err != nil {
			return err
		}

		rev := &model.Transaction{
			TransactionRef:        NewReference(s.opts.Now()),
			IdempotencyKey:        reversalKeyPrefix + orig.TransactionRef,
			Type:                  model.TxReversal,
			Status:                model.StatusProcessing,
			Amount:                orig.Amount,
			Fee:                   orig.Fee,
			Currency:              orig.Currency,
			SourceAccountID:       orig.DestinationAccountID,
			DestinationAccountID:  orig.SourceAccountID,
			Description:           truncate("reversal of "+orig.TransactionRef+": "+reason, 255),
			InitiatedBy:           &userID,
			ReversedTransactionID: &orig.ID,
		}
		if src, ok := locked[derefID(rev.SourceAccountID)]; ok {
			rev.SourceBalanceBefore = decimal.NewNullDecimal(src.Balance)
		}
		if dst, ok := locked[derefID(rev.DestinationAccountID)]; ok {
			rev.DestinationBalanceBefore = decimal.NewNullDecimal(dst.Balance)
		}
		if err := s.repo.CreateTransaction(ctx, tx, rev); err != nil {
			return err
		}
		for i := range legs {
			legs[i].desc = describe(rev, legs[i].desc)
		}

		after, posted, err := post(ctx, s.repo, tx, rev.ID, locked, legs)
		if err != nil {
			return err
		}
		if err := s.repo.CreateLedgerEntries(ctx, tx, posted); err != nil {
			return fmt.Errorf("write ledger: %w", err)
		}

		completedAt := s.opts.Now().UTC()
		fields := map[string]interface{}{
			"status":       model.StatusCompleted,
			"completed_at": &completedAt,
		}
		if a, ok := after[derefID(rev.SourceAccountID)]; ok {
			rev.SourceBalanceAfter = decimal.NewNullDecimal(a.Balance)
			fields["source_balance_after"] = rev.SourceBalanceAfter
		}
		if a, ok := after[derefID(rev.DestinationAccountID)]; ok {
			rev.DestinationBalanceAfter = decimal.NewNullDecimal(a.Balance)
			fields["destination_balance_after"] = rev.DestinationBalanceAfter
		}
		if err := s.repo.UpdateTransaction(ctx, tx, rev.ID, rev.Version, fields); err != nil {
			return err
		}
		rev.Version++
		rev.Status = model.StatusCompleted
		rev.CompletedAt = &completedAt

		if err := s.executor.remember(ctx, tx, rev); err != nil {
			return err
		}
		if err := emitEvent(ctx, s.repo, tx, rev, model.EventTransactionReversed, after); err != nil {
			return err
		}
		done = &Execution{Transaction: rev, Accounts: sortedAccounts(after)}
		res = resultOf(rev, false)
		return nil
	})
	if err != nil && repo.IsDuplicateKey(err) {
		// a concurrent reversal of the same original won
		prior, rerr := s.repo.ReversalOf(ctx, nil, s.originalID(ctx, ref))
		if rerr == nil && prior != nil {
			return resultOf(prior, true), nil
		}
		return nil, apperr.ErrAlreadyReversed
	}
	if err != nil {
		s.metrics.TransactionFailed(string(model.TxReversal), apperr.CodeOf(err))
		if apperr.KindOf(err) == apperr.KindInvariant {
			s.metrics.InvariantViolation()
			s.log.Errorw("ledger invariant violated during reversal", "transaction_ref", ref, "error", err)
		}
		return nil, err
	}
	if done != nil {
		s.metrics.TransactionCompleted(string(model.TxReversal), s.opts.Now().Sub(start))
		s.log.Infow("transaction reversed", "transaction_ref", ref, "reversal_ref", res.TransactionRef)
		for _, a := range done.Accounts {
			if err := s.repo.CacheBalance(ctx, a.AccountNumber, a.Balance); err != nil {
				s.log.Warn(err)
			}
		}
	}
	return res, nil
}

// inverse pairs the original's entries into legs and swaps their sides.
// Entries are written debit-then-credit per leg, so they pair up in order.
func inverse(entries []model.LedgerEntry, orig *model.Transaction) ([]leg, []uint64, error) {
	if len(entries) == 0 || len(entries)%2 != 0 {
		return nil, nil, apperr.Invariantf("transaction %s has %d ledger entries", orig.TransactionRef, len(entries))
	}
	legs := make([]leg, 0, len(entries)/2)
	ids := make([]uint64, 0, len(entries))
	for i := 0; i < len(entries); i += 2 {
		d, c := entries[i], entries[i+1]
		if d.EntryType != model.EntryDebit || c.EntryType != model.EntryCredit || !d.Amount.Equal(c.Amount) {
			return nil, nil, apperr.Invariantf("transaction %s ledger entries %d/%d do not form a leg", orig.TransactionRef, d.ID, c.ID)
		}
		part := "principal"
		if i > 0 {
			part = "fee"
		}
		legs = append(legs, leg{debit: c.AccountID, credit: d.AccountID, amount: d.Amount, desc: part})
		ids = append(ids, d.AccountID, c.AccountID)
	}
	return legs, ids, nil
}

// authorizeReversal lets operators reverse anything. Anyone else may only
// send back money that was paid into an account they hold.
func (s *TransferService) authorizeReversal(ctx context.Context, tx *gorm.DB, orig *model.Transaction, userID uint64) error {
	for _, op := range s.opts.Operators {
		if op == userID {
			return nil
		}
	}
	if orig.DestinationAccountID == nil {
		return apperr.ErrPermissionDenied
	}
	payee, err := s.repo.GetAccountByID(ctx, tx, *orig.DestinationAccountID)
	if err != nil {
		return fmt.Errorf("load payee account: %w", err)
	}
	return s.validator.Authorize(ctx, tx, payee, userID)
}

// coverable runs the funds guard on every account the legs take money from.
func coverable(legs []leg, locked map[uint64]*model.Account) error {
	net := make(map[uint64]decimal.Decimal, len(locked))
	for _, l := range legs {
		net[l.debit] = net[l.debit].Sub(l.amount)
		net[l.credit] = net[l.credit].Add(l.amount)
	}
	for _, id := range sortedIDs(net) {
		if !net[id].IsNegative() {
			continue
		}
		acct, ok := locked[id]
		if !ok {
			return apperr.Invariantf("reversal leg touches unlocked account %d", id)
		}
		if err := validate.CheckFunds(acct, net[id].Neg(), decimal.Zero); err != nil {
			return err
		}
	}
	return nil
}

func (s *TransferService) originalID(ctx context.Context, ref string) uint64 {
	t, err := s.repo.GetTransactionByRef(ctx, nil, ref)
	if err != nil {
		return 0
	}
	return t.ID
}

func derefID(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}
