package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"github.com/richardliu001/bank-core/internal/validate"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const versionConflictAttempts = 3

// Execution is a committed transaction plus the accounts it touched, as
// they stood after commit.
type Execution struct {
	Transaction *model.Transaction
	Accounts    []*model.Account
}

// Executor moves an admitted PENDING transaction to COMPLETED in a single
// database transaction, or leaves it FAILED with nothing else changed.
type Executor struct {
	repo      repo.RepositoryInterface
	validator *validate.Validator
	metrics   Metrics
	opts      Options
	log       *zap.SugaredLogger
}

// Execute runs transaction id. The caller's cancellation is detached once
// execution starts so a disconnect cannot strand a half-done attempt.
func (e *Executor) Execute(ctx context.Context, id, userID uint64, fraudNote string) (*Execution, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		out *Execution
		err error
	)
	for attempt := 1; attempt <= versionConflictAttempts; attempt++ {
		out, err = e.executeOnce(ctx, id, userID, fraudNote)
		if !errors.Is(err, apperr.ErrVersionConflict) {
			break
		}
		e.log.Warnw("version conflict during execution, retrying", "transaction_id", id, "attempt", attempt)
	}
	if err == nil {
		return out, nil
	}
	if errors.Is(err, apperr.ErrStillProcessing) {
		return nil, err
	}
	invariant := apperr.KindOf(err) == apperr.KindInvariant
	if invariant {
		e.metrics.InvariantViolation()
		e.log.Errorw("ledger invariant violated, transaction rolled back", "transaction_id", id, "error", err)
	}
	if ferr := markFailed(ctx, e.repo, id, err, invariant, e.opts.MaxRetries); ferr != nil {
		e.log.Errorw("mark transaction failed", "transaction_id", id, "error", ferr)
	}
	return nil, err
}

func (e *Executor) executeOnce(ctx context.Context, id, userID uint64, fraudNote string) (*Execution, error) {
	var out *Execution
	err := e.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := e.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if t.Status != model.StatusPending {
			return apperr.ErrStillProcessing.WithDetails("", map[string]string{"status": string(t.Status)})
		}
		if t.SourceAccountID == nil || t.DestinationAccountID == nil {
			return apperr.Invariantf("transaction %d has no account pair", t.ID)
		}
		srcID, dstID := *t.SourceAccountID, *t.DestinationAccountID

		ids := []uint64{srcID, dstID}
		var feeAcct *model.Account
		if t.Fee.IsPositive() {
			feeAcct, err = e.repo.GetAccountByNumber(ctx, tx, e.opts.FeeAccountNumber)
			if err != nil {
				return apperr.Invariantf("fee account %s unavailable: %v", e.opts.FeeAccountNumber, err)
			}
			ids = append(ids, feeAcct.ID)
		}
		locked, err := e.repo.LockAccounts(ctx, tx, ids...)
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		src, dst := locked[srcID], locked[dstID]
		if feeAcct != nil {
			if fa := locked[feeAcct.ID]; fa.Status != model.AccountActive || !fa.AllowCredit {
				return apperr.Invariantf("fee account %s cannot be credited (status %s, allow_credit %t)", fa.AccountNumber, fa.Status, fa.AllowCredit)
			}
		}

		check, err := e.validator.Validate(ctx, tx, validate.Request{
			Source: src, Destination: dst, Amount: t.Amount, Fee: t.Fee, Type: t.Type, UserID: userID, LockLimits: true,
		})
		if err != nil {
			return err
		}

		if err := e.repo.UpdateTransaction(ctx, tx, t.ID, t.Version, map[string]interface{}{
			"status":                     model.StatusProcessing,
			"source_balance_before":      src.Balance,
			"destination_balance_before": dst.Balance,
		}); err != nil {
			return err
		}
		t.Version++

		legs := []leg{
			{debit: srcID, credit: dstID, amount: t.Amount, desc: describe(t, "principal")},
		}
		if feeAcct != nil {
			legs = append(legs, leg{debit: srcID, credit: feeAcct.ID, amount: t.Fee, desc: describe(t, "fee")})
		}
		after, entries, err := post(ctx, e.repo, tx, t.ID, locked, legs)
		if err != nil {
			return err
		}
		if err := e.repo.CreateLedgerEntries(ctx, tx, entries); err != nil {
			return fmt.Errorf("write ledger: %w", err)
		}

		for _, u := range check.Usage {
			if u.NeedsReset {
				if err := e.repo.ResetLimit(ctx, tx, u.Row.ID, u.Row.Version, u.ResetAt); err != nil {
					return err
				}
			}
			if u.Row.LimitType == model.LimitPerTransaction {
				continue
			}
			if err := e.repo.IncrementLimitUsage(ctx, tx, u.Row.ID, t.Amount); err != nil {
				return fmt.Errorf("update limit usage: %w", err)
			}
		}

		completedAt := e.opts.Now().UTC()
		srcAfter := decimal.NewNullDecimal(after[srcID].Balance)
		dstAfter := decimal.NewNullDecimal(after[dstID].Balance)
		if err := e.repo.UpdateTransaction(ctx, tx, t.ID, t.Version, map[string]interface{}{
			"status":                    model.StatusCompleted,
			"source_balance_after":      srcAfter,
			"destination_balance_after": dstAfter,
			"completed_at":              &completedAt,
			"fraud_note":                truncate(fraudNote, 255),
		}); err != nil {
			return err
		}
		t.Version++
		t.Status = model.StatusCompleted
		t.SourceBalanceBefore = decimal.NewNullDecimal(src.Balance)
		t.DestinationBalanceBefore = decimal.NewNullDecimal(dst.Balance)
		t.SourceBalanceAfter = srcAfter
		t.DestinationBalanceAfter = dstAfter
		t.CompletedAt = &completedAt
		t.FraudNote = truncate(fraudNote, 255)

		if err := e.remember(ctx, tx, t); err != nil {
			return err
		}
		if err := emitEvent(ctx, e.repo, tx, t, model.EventTransactionCompleted, after); err != nil {
			return err
		}

		out = &Execution{Transaction: t, Accounts: sortedAccounts(after)}
		return nil
	})
	return out, err
}

// leg is one debit/credit pair of equal amount.
type leg struct {
	debit, credit uint64
	amount        decimal.Decimal
	desc          string
}

// post applies legs to the locked accounts and builds their ledger entries.
// It re-reads every account after the update and refuses to continue unless
// the stored balances match the ledger and the movement nets to zero.
func post(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, txnID uint64, locked map[uint64]*model.Account, legs []leg) (map[uint64]*model.Account, []model.LedgerEntry, error) {
	delta := make(map[uint64]decimal.Decimal, len(locked))
	running := make(map[uint64]decimal.Decimal, len(locked))
	for id, a := range locked {
		running[id] = a.Balance
	}
	var (
		entries         []model.LedgerEntry
		debits, credits decimal.Decimal
	)
	for _, l := range legs {
		if !l.amount.IsPositive() {
			continue
		}
		if _, ok := locked[l.debit]; !ok {
			return nil, nil, apperr.Invariantf("account %d posted without lock", l.debit)
		}
		if _, ok := locked[l.credit]; !ok {
			return nil, nil, apperr.Invariantf("account %d posted without lock", l.credit)
		}
		running[l.debit] = running[l.debit].Sub(l.amount)
		delta[l.debit] = delta[l.debit].Sub(l.amount)
		entries = append(entries, model.LedgerEntry{
			TransactionID: txnID, AccountID: l.debit, EntryType: model.EntryDebit,
			Amount: l.amount, BalanceAfter: running[l.debit], Description: l.desc,
		})
		running[l.credit] = running[l.credit].Add(l.amount)
		delta[l.credit] = delta[l.credit].Add(l.amount)
		entries = append(entries, model.LedgerEntry{
			TransactionID: txnID, AccountID: l.credit, EntryType: model.EntryCredit,
			Amount: l.amount, BalanceAfter: running[l.credit], Description: l.desc,
		})
		debits = debits.Add(l.amount)
		credits = credits.Add(l.amount)
	}
	if !debits.Equal(credits) {
		return nil, nil, apperr.Invariantf("debits %s != credits %s", debits.StringFixed(2), credits.StringFixed(2))
	}

	net := decimal.Zero
	for _, id := range sortedIDs(delta) {
		if delta[id].IsZero() {
			continue
		}
		net = net.Add(delta[id])
		if err := r.ApplyBalanceDelta(ctx, tx, id, delta[id], locked[id].Version); err != nil {
			return nil, nil, err
		}
	}
	if !net.IsZero() {
		return nil, nil, apperr.Invariantf("movement does not net to zero: %s", net.StringFixed(2))
	}

	after := make(map[uint64]*model.Account, len(locked))
	for id, before := range locked {
		a, err := r.GetAccountByID(ctx, tx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("re-read account %d: %w", id, err)
		}
		want := before.Balance.Add(delta[id])
		if !a.Balance.Equal(want) {
			return nil, nil, apperr.Invariantf("account %d balance %s, expected %s", id, a.Balance.StringFixed(2), want.StringFixed(2))
		}
		if !a.Balance.Equal(running[id]) {
			return nil, nil, apperr.Invariantf("account %d ledger running balance %s, stored %s", id, running[id].StringFixed(2), a.Balance.StringFixed(2))
		}
		after[id] = a
	}
	return after, entries, nil
}

func (e *Executor) remember(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	params, _ := json.Marshal(map[string]interface{}{
		"transaction_type":       t.Type,
		"amount":                 t.Amount.StringFixed(2),
		"source_account_id":      t.SourceAccountID,
		"destination_account_id": t.DestinationAccountID,
	})
	return e.repo.CreateIdempotencyRecord(ctx, tx, &model.IdempotencyRecord{
		Key:           t.IdempotencyKey,
		TransactionID: t.ID,
		Fingerprint:   t.RequestFingerprint,
		RequestParams: string(params),
		ExpiresAt:     e.opts.Now().UTC().Add(e.opts.IdempotencyTTL),
	})
}

func emitEvent(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, t *model.Transaction, eventType string, after map[uint64]*model.Account) error {
	balances := make(map[string]string, len(after))
	for _, a := range after {
		balances[a.AccountNumber] = a.Balance.StringFixed(2)
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"transaction_reference":   t.TransactionRef,
		"transaction_type":        t.Type,
		"amount":                  t.Amount.StringFixed(2),
		"fee":                     t.Fee.StringFixed(2),
		"currency":                t.Currency,
		"reversed_transaction_id": t.ReversedTransactionID,
		"balances":                balances,
	})
	return r.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: "Transaction", AggregateID: t.ID, EventType: eventType, Payload: string(payload),
	})
}

func describe(t *model.Transaction, part string) string {
	s := fmt.Sprintf("%s %s %s", t.Type, t.TransactionRef, part)
	if t.Description != "" {
		s += ": " + t.Description
	}
	return truncate(s, 255)
}

func sortedIDs(m map[uint64]decimal.Decimal) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedAccounts(m map[uint64]*model.Account) []*model.Account {
	out := make([]*model.Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
