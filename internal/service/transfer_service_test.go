package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/fraud"
	"github.com/richardliu001/bank-core/internal/logger"
	"github.com/richardliu001/bank-core/internal/metrics"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"github.com/richardliu001/bank-core/internal/repo/repotest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	srcID uint64 = 1
	dstID uint64 = 2
	feeID uint64 = 3

	srcOwner   uint64 = 100
	dstOwner   uint64 = 200
	operatorID uint64 = 900
)

var testNow = time.Date(2024, 5, 15, 9, 0, 0, 0, time.UTC)

type fakeFraud struct {
	mu      sync.Mutex
	outcome fraud.Outcome
	calls   int
}

func (f *fakeFraud) Check(_ context.Context, _ fraud.CheckRequest) fraud.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome
}

type fixture struct {
	svc   *TransferService
	db    *gorm.DB
	mr    *miniredis.Miniredis
	fraud *fakeFraud
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func u64(v uint64) *uint64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log, err := logger.NewLogger("error")
	require.NoError(t, err)

	seed(t, db)
	ff := &fakeFraud{outcome: fraud.Outcome{Checked: true, Decision: model.DecisionApprove, RiskScore: 5}}
	svc := NewTransferService(repo.NewRepository(db, rdb, nil, log), ff, metrics.New(), Options{
		FeeAccountNumber: "SYS-FEES-001",
		MinAmount:        d("1"),
		MaxAmount:        d("10000000"),
		MaxRetries:       3,
		IdempotencyTTL:   24 * time.Hour,
		DedupTTL:         10 * time.Minute,
		Now:              func() time.Time { return testNow },
		Operators:        []uint64{operatorID},
	}, log)
	return &fixture{svc: svc, db: db, mr: mr, fraud: ff}
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	accounts := []model.Account{
		{ID: srcID, AccountNumber: "ACC-S", OwnerID: u64(srcOwner), Balance: d("1000"), AvailableBalance: d("1000")},
		{ID: dstID, AccountNumber: "ACC-D", OwnerID: u64(dstOwner), Balance: d("0"), AvailableBalance: d("0")},
		{ID: feeID, AccountNumber: "SYS-FEES-001", Category: model.CategoryInternal, Balance: d("0"), AvailableBalance: d("0")},
	}
	for i := range accounts {
		a := &accounts[i]
		if a.Category == "" {
			a.Category = model.CategoryCustomer
		}
		a.AccountType = model.AccountSavings
		a.Currency = "KES"
		a.Status = model.AccountActive
		a.AllowDebit = true
		a.AllowCredit = true
		require.NoError(t, db.Create(a).Error)
	}
	for _, id := range []uint64{srcID, dstID} {
		require.NoError(t, db.Create(&model.TransactionLimit{
			AccountID: u64(id), TransactionType: model.TxInternalTransfer, LimitType: model.LimitDaily,
			MaxAmount: d("5000"), MaxCount: 20, CurrentAmount: d("0"),
			ResetAt: time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), IsActive: true,
		}).Error)
	}
	require.NoError(t, db.Create(&model.FeeRule{
		TransactionType: model.TxInternalTransfer, MinAmount: d("0"), MaxAmount: d("100000"), FeeAmount: d("5"), IsActive: true,
	}).Error)
}

func transfer(key, amount string) TransferRequest {
	return TransferRequest{
		IdempotencyKey:           key,
		SourceAccountNumber:      "ACC-S",
		DestinationAccountNumber: "ACC-D",
		Amount:                   d(amount),
		Type:                     model.TxInternalTransfer,
		Description:              "rent",
		UserID:                   srcOwner,
	}
}

func balance(t *testing.T, db *gorm.DB, id uint64) decimal.Decimal {
	t.Helper()
	var a model.Account
	require.NoError(t, db.First(&a, id).Error)
	return a.Balance
}

func ledgerCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).Count(&n).Error)
	return n
}

func dailyRow(t *testing.T, db *gorm.DB, accountID uint64) model.TransactionLimit {
	t.Helper()
	var l model.TransactionLimit
	require.NoError(t, db.Where("account_id = ? AND limit_type = ?", accountID, model.LimitDaily).First(&l).Error)
	return l
}

func assertBalances(t *testing.T, db *gorm.DB, src, dst, fee string) {
	t.Helper()
	assert.True(t, balance(t, db, srcID).Equal(d(src)), "source balance %s", balance(t, db, srcID))
	assert.True(t, balance(t, db, dstID).Equal(d(dst)), "destination balance %s", balance(t, db, dstID))
	assert.True(t, balance(t, db, feeID).Equal(d(fee)), "fee balance %s", balance(t, db, feeID))
}

func TestTransfer_PostsBalancesLedgerAndLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.False(t, res.Replayed)
	assert.Empty(t, res.FraudCheckNote)

	assertBalances(t, f.db, "695", "300", "5")

	var entries []model.LedgerEntry
	require.NoError(t, f.db.Where("transaction_id = ?", res.TransactionID).Order("id").Find(&entries).Error)
	require.Len(t, entries, 4)
	debits, credits := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.EntryType == model.EntryDebit {
			debits = debits.Add(e.Amount)
		} else {
			credits = credits.Add(e.Amount)
		}
	}
	assert.True(t, debits.Equal(credits))
	assert.True(t, entries[0].BalanceAfter.Equal(d("700")), "principal debit leaves 700")
	assert.True(t, entries[2].BalanceAfter.Equal(d("695")), "fee debit leaves 695")
	assert.Equal(t, feeID, entries[3].AccountID)

	var txn model.Transaction
	require.NoError(t, f.db.First(&txn, res.TransactionID).Error)
	assert.Equal(t, model.StatusCompleted, txn.Status)
	assert.True(t, txn.Fee.Equal(d("5")))
	assert.True(t, txn.SourceBalanceBefore.Decimal.Equal(d("1000")))
	assert.True(t, txn.SourceBalanceAfter.Decimal.Equal(d("695")))
	assert.True(t, txn.DestinationBalanceBefore.Decimal.Equal(d("0")))
	assert.True(t, txn.DestinationBalanceAfter.Decimal.Equal(d("300")))
	require.NotNil(t, txn.CompletedAt)
	assert.EqualValues(t, 2, txn.Version)

	row := dailyRow(t, f.db, srcID)
	assert.True(t, row.CurrentAmount.Equal(d("300")))
	assert.Equal(t, 1, row.CurrentCount)

	var rec model.IdempotencyRecord
	require.NoError(t, f.db.Where("idempotency_key = ?", "key-1").First(&rec).Error)
	assert.Equal(t, res.TransactionID, rec.TransactionID)

	var evt model.OutboxEvent
	require.NoError(t, f.db.First(&evt).Error)
	assert.Equal(t, model.EventTransactionCompleted, evt.EventType)
	assert.Contains(t, evt.Payload, res.TransactionRef)

	var fc model.FraudCheck
	require.NoError(t, f.db.Where("transaction_id = ?", res.TransactionID).First(&fc).Error)
	assert.True(t, fc.Checked)
	assert.Equal(t, model.DecisionApprove, fc.Decision)

	cached, err := f.mr.Get("balance:ACC-S")
	require.NoError(t, err)
	assert.Equal(t, "695", cached)
}

func TestTransfer_ReplayReturnsOriginalReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)

	// dedup cache hit
	again, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.TransactionRef, again.TransactionRef)

	// idempotency table after the cache entry is gone
	f.mr.FlushAll()
	again, err = f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionRef, again.TransactionRef)

	// transaction row after the idempotency record expired
	f.mr.FlushAll()
	require.NoError(t, f.db.Where("1 = 1").Delete(&model.IdempotencyRecord{}).Error)
	again, err = f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionRef, again.TransactionRef)
	assert.Equal(t, model.StatusCompleted, again.Status)

	assert.EqualValues(t, 4, ledgerCount(t, f.db))
	assertBalances(t, f.db, "695", "300", "5")
	assert.Equal(t, 1, f.fraud.calls)
}

func TestTransfer_ConflictWhileFirstAttemptInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := transfer("key-1", "300")

	// first attempt admitted but not yet executed
	admitted, replay, err := f.svc.gate.Admit(ctx, &model.Transaction{
		TransactionRef:       NewReference(testNow),
		IdempotencyKey:       req.IdempotencyKey,
		Type:                 req.Type,
		Status:               model.StatusPending,
		Amount:               req.Amount,
		Fee:                  d("5"),
		Currency:             "KES",
		SourceAccountID:      u64(srcID),
		DestinationAccountID: u64(dstID),
		RequestFingerprint:   Fingerprint("ACC-S", "ACC-D", req.Amount, req.Type),
	})
	require.NoError(t, err)
	require.Nil(t, replay)

	_, err = f.svc.Transfer(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrStillProcessing)
	assert.EqualValues(t, 0, ledgerCount(t, f.db))

	_, err = f.svc.executor.Execute(ctx, admitted.ID, srcOwner, "")
	require.NoError(t, err)

	res, err := f.svc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, admitted.TransactionRef, res.TransactionRef)
	assert.EqualValues(t, 4, ledgerCount(t, f.db))
}

func TestTransfer_KeyReusedWithDifferentParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, transfer("key-1", "301"))
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyReused)

	f.mr.FlushAll()
	_, err = f.svc.Transfer(ctx, transfer("key-1", "301"))
	assert.ErrorIs(t, err, apperr.ErrIdempotencyKeyReused)

	assertBalances(t, f.db, "695", "300", "5")
}

func TestTransfer_RejectsMalformedRequests(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *TransferRequest)
		want   *apperr.Error
	}{
		{"missing key", func(r *TransferRequest) { r.IdempotencyKey = " " }, apperr.ErrIdempotencyKeyMissing},
		{"oversized key", func(r *TransferRequest) { r.IdempotencyKey = fmt.Sprintf("%0129d", 1) }, apperr.ErrIdempotencyKeyInvalid},
		{"zero amount", func(r *TransferRequest) { r.Amount = d("0") }, apperr.ErrInvalidAmount},
		{"sub-cent amount", func(r *TransferRequest) { r.Amount = d("10.005") }, apperr.ErrInvalidAmount},
		{"internal type", func(r *TransferRequest) { r.Type = model.TxFee }, apperr.ErrUnsupportedType},
		{"unknown type", func(r *TransferRequest) { r.Type = "BARTER" }, apperr.ErrUnsupportedType},
		{"reserved key prefix", func(r *TransferRequest) { r.IdempotencyKey = "reversal:TXN1" }, apperr.ErrIdempotencyKeyInvalid},
		{"same account", func(r *TransferRequest) { r.DestinationAccountNumber = "ACC-S" }, apperr.ErrSameAccount},
		{"long description", func(r *TransferRequest) { r.Description = strings.Repeat("é", 256) }, apperr.ErrInvalidDescription},
		{"broken utf8 description", func(r *TransferRequest) { r.Description = "rent \xff" }, apperr.ErrInvalidDescription},
		{"unknown source", func(r *TransferRequest) { r.SourceAccountNumber = "NOPE" }, apperr.ErrSourceNotFound},
		{"unknown destination", func(r *TransferRequest) { r.DestinationAccountNumber = "NOPE" }, apperr.ErrDestinationNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			req := transfer("key-1", "300")
			c.mutate(&req)
			_, err := f.svc.Transfer(context.Background(), req)
			assert.ErrorIs(t, err, c.want)

			var n int64
			require.NoError(t, f.db.Model(&model.Transaction{}).Count(&n).Error)
			assert.Zero(t, n)
		})
	}
}

func TestTransfer_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, transfer("key-1", "996"))
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	assertBalances(t, f.db, "1000", "0", "0")
	assert.EqualValues(t, 0, ledgerCount(t, f.db))
	row := dailyRow(t, f.db, srcID)
	assert.True(t, row.CurrentAmount.IsZero())
	assert.Equal(t, 0, row.CurrentCount)

	var txn model.Transaction
	require.NoError(t, f.db.Where("idempotency_key = ?", "key-1").First(&txn).Error)
	assert.Equal(t, model.StatusFailed, txn.Status)
	assert.Contains(t, txn.LastError, "insufficient funds")
	assert.Equal(t, 0, txn.RetryCount)
	assert.Zero(t, f.fraud.calls, "fraud gate runs after validation")
}

func TestTransfer_FailedTransactionIsRetriedWithSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, transfer("key-1", "996"))
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	require.NoError(t, f.db.Model(&model.Account{}).Where("id = ?", srcID).
		Updates(map[string]interface{}{"balance": d("2000"), "available_balance": d("2000")}).Error)

	res, err := f.svc.Transfer(ctx, transfer("key-1", "996"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)

	var txn model.Transaction
	require.NoError(t, f.db.First(&txn, res.TransactionID).Error)
	assert.Equal(t, 1, txn.RetryCount)
	assert.Empty(t, txn.LastError)
	assertBalances(t, f.db, "999", "996", "5")
}

func TestTransfer_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, transfer("key-1", "996"))
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	require.NoError(t, f.db.Model(&model.Transaction{}).Where("idempotency_key = ?", "key-1").
		Update("retry_count", 3).Error)

	_, err = f.svc.Transfer(ctx, transfer("key-1", "996"))
	assert.ErrorIs(t, err, apperr.ErrRetriesExhausted)
}

func TestTransfer_FraudBlockCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fraud.outcome = fraud.Outcome{Checked: true, Decision: model.DecisionBlock, RiskScore: 85, Reason: "high risk"}

	_, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.ErrorIs(t, err, apperr.ErrFraudBlocked)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "85", ae.Details["risk_score"])

	assertBalances(t, f.db, "1000", "0", "0")
	var txn model.Transaction
	require.NoError(t, f.db.Where("idempotency_key = ?", "key-1").First(&txn).Error)
	assert.Equal(t, model.StatusCancelled, txn.Status)

	f.fraud.outcome = fraud.Outcome{Checked: true, Decision: model.DecisionApprove}
	_, err = f.svc.Transfer(ctx, transfer("key-1", "300"))
	assert.ErrorIs(t, err, apperr.ErrTransactionClosed)
	assert.EqualValues(t, 0, ledgerCount(t, f.db))
}

func TestTransfer_FraudUnavailableFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.fraud.outcome = fraud.Outcome{Checked: false, FailReason: fraud.FailTimeout, Latency: 100 * time.Millisecond}

	res, err := f.svc.Transfer(context.Background(), transfer("key-1", "300"))
	require.NoError(t, err)
	assert.Equal(t, "fraud check unavailable, transaction processed without screening", res.FraudCheckNote)
	assertBalances(t, f.db, "695", "300", "5")

	var fc model.FraudCheck
	require.NoError(t, f.db.Where("transaction_id = ?", res.TransactionID).First(&fc).Error)
	assert.False(t, fc.Checked)
	assert.Contains(t, fc.Reason, fraud.FailTimeout)

	var txn model.Transaction
	require.NoError(t, f.db.First(&txn, res.TransactionID).Error)
	assert.Equal(t, res.FraudCheckNote, txn.FraudNote)
}

func TestTransfer_StaleDailyLimitResetsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&model.TransactionLimit{}).Where("account_id = ?", srcID).
		Updates(map[string]interface{}{
			"current_amount": d("4900"),
			"current_count":  20,
			"reset_at":       testNow.Add(-time.Hour),
		}).Error)

	_, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)
	_, err = f.svc.Transfer(ctx, transfer("key-2", "100"))
	require.NoError(t, err)

	row := dailyRow(t, f.db, srcID)
	assert.True(t, row.CurrentAmount.Equal(d("400")), "got %s", row.CurrentAmount)
	assert.Equal(t, 2, row.CurrentCount)
	assert.True(t, row.ResetAt.UTC().Equal(time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC)))
	// one reset plus two increments
	assert.EqualValues(t, 3, row.Version)
}

func TestTransfer_RollingLimitRejects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&model.TransactionLimit{}).Where("account_id = ?", srcID).
		Update("current_amount", d("4800")).Error)

	_, err := f.svc.Transfer(context.Background(), transfer("key-1", "300"))
	assert.ErrorIs(t, err, apperr.ErrRollingAmount)
	assertBalances(t, f.db, "1000", "0", "0")
}

func TestTransfer_ConcurrentSameKeyExecutesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refs      = map[string]int{}
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Transfer(ctx, transfer("same-key", "300"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrStillProcessing)
				conflicts++
				return
			}
			refs[res.TransactionRef]++
		}()
	}
	wg.Wait()

	assert.Len(t, refs, 1)
	assert.EqualValues(t, 4, ledgerCount(t, f.db))
	assertBalances(t, f.db, "695", "300", "5")
}

func TestTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&model.Account{}).Where("id = ?", dstID).
		Updates(map[string]interface{}{"balance": d("1000"), "available_balance": d("1000")}).Error)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, transfer(fmt.Sprintf("s2d-%d", i), "10"))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			req := transfer(fmt.Sprintf("d2s-%d", i), "10")
			req.SourceAccountNumber, req.DestinationAccountNumber = "ACC-D", "ACC-S"
			req.UserID = dstOwner
			_, err := f.svc.Transfer(ctx, req)
			assert.NoError(t, err)
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("transfers did not finish")
	}

	assertBalances(t, f.db, "975", "975", "50")
	assert.EqualValues(t, 40, ledgerCount(t, f.db))
}

func TestReverse_RestoresBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orig, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)

	rev, err := f.svc.Reverse(ctx, orig.TransactionRef, operatorID, "customer dispute")
	require.NoError(t, err)
	assert.NotEqual(t, orig.TransactionRef, rev.TransactionRef)
	assert.Equal(t, model.StatusCompleted, rev.Status)
	assertBalances(t, f.db, "1000", "0", "0")
	assert.EqualValues(t, 8, ledgerCount(t, f.db))

	var revRow model.Transaction
	require.NoError(t, f.db.First(&revRow, rev.TransactionID).Error)
	assert.Equal(t, model.TxReversal, revRow.Type)
	require.NotNil(t, revRow.ReversedTransactionID)
	assert.Equal(t, orig.TransactionID, *revRow.ReversedTransactionID)
	assert.Equal(t, dstID, *revRow.SourceAccountID)

	var origRow model.Transaction
	require.NoError(t, f.db.First(&origRow, orig.TransactionID).Error)
	assert.Equal(t, model.StatusCompleted, origRow.Status)
	assert.EqualValues(t, 2, origRow.Version)

	again, err := f.svc.Reverse(ctx, orig.TransactionRef, operatorID, "customer dispute")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, rev.TransactionRef, again.TransactionRef)
	assertBalances(t, f.db, "1000", "0", "0")

	_, err = f.svc.Reverse(ctx, rev.TransactionRef, operatorID, "")
	assert.ErrorIs(t, err, apperr.ErrNotReversible)

	_, err = f.svc.Reverse(ctx, "TXN-NOPE", operatorID, "")
	assert.ErrorIs(t, err, apperr.ErrTransactionNotFound)

	var evt model.OutboxEvent
	require.NoError(t, f.db.Where("event_type = ?", model.EventTransactionReversed).First(&evt).Error)
	assert.Equal(t, rev.TransactionID, evt.AggregateID)
}

func TestReverse_RefusesIncompleteTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, transfer("key-1", "996"))
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	var txn model.Transaction
	require.NoError(t, f.db.Where("idempotency_key = ?", "key-1").First(&txn).Error)

	_, err = f.svc.Reverse(ctx, txn.TransactionRef, operatorID, "")
	assert.ErrorIs(t, err, apperr.ErrNotReversible)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)

	txn, err := f.svc.GetTransaction(ctx, res.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, res.TransactionID, txn.ID)
	_, err = f.svc.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrTransactionNotFound)

	f.mr.FlushAll()
	bal, err := f.svc.GetBalance(ctx, "ACC-D")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("300")))
	cached, err := f.mr.Get("balance:ACC-D")
	require.NoError(t, err)
	assert.Equal(t, "300", cached)

	_, err = f.svc.GetBalance(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)

	page, err := f.svc.Ledger(ctx, "ACC-S", 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, model.EntryDebit, page[0].EntryType)
	assert.True(t, page[0].Amount.Equal(d("5")), "newest entry is the fee debit")
}

func TestInverseRejectsUnpairedEntries(t *testing.T) {
	orig := &model.Transaction{TransactionRef: "TXN1"}
	_, _, err := inverse([]model.LedgerEntry{{EntryType: model.EntryDebit, Amount: d("1")}}, orig)
	assert.Equal(t, apperr.KindInvariant, apperr.KindOf(err))

	_, _, err = inverse([]model.LedgerEntry{
		{EntryType: model.EntryCredit, Amount: d("1")},
		{EntryType: model.EntryDebit, Amount: d("1")},
	}, orig)
	assert.Equal(t, apperr.KindInvariant, apperr.KindOf(err))

	legs, ids, err := inverse([]model.LedgerEntry{
		{AccountID: 1, EntryType: model.EntryDebit, Amount: d("3")},
		{AccountID: 2, EntryType: model.EntryCredit, Amount: d("3")},
	}, orig)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, uint64(2), legs[0].debit)
	assert.Equal(t, uint64(1), legs[0].credit)
	assert.ElementsMatch(t, []uint64{1, 2}, ids)
}

func TestFingerprintIsParameterSensitive(t *testing.T) {
	a := Fingerprint("A", "B", d("10"), model.TxInternalTransfer)
	assert.Equal(t, a, Fingerprint("A", "B", d("10.00"), model.TxInternalTransfer))
	assert.NotEqual(t, a, Fingerprint("B", "A", d("10"), model.TxInternalTransfer))
	assert.NotEqual(t, a, Fingerprint("A", "B", d("10.01"), model.TxInternalTransfer))
	assert.NotEqual(t, a, Fingerprint("A", "B", d("10"), model.TxDeposit))
}

func TestTruncateKeepsCharactersWhole(t *testing.T) {
	s := describe(&model.Transaction{
		Type: model.TxInternalTransfer, TransactionRef: "TXN1", Description: "x" + strings.Repeat("é", 300),
	}, "principal")
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, 255, utf8.RuneCountInString(s))

	assert.Equal(t, "ab", truncate("ab", 5))
	assert.Equal(t, "xé", truncate("xéé", 2))
}

func TestTransfer_MultibyteDescriptionPosts(t *testing.T) {
	f := newFixture(t)
	req := transfer("key-1", "300")
	req.Description = strings.Repeat("é", 255)

	res, err := f.svc.Transfer(context.Background(), req)
	require.NoError(t, err)

	var entries []model.LedgerEntry
	require.NoError(t, f.db.Where("transaction_id = ?", res.TransactionID).Find(&entries).Error)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.True(t, utf8.ValidString(e.Description))
		assert.LessOrEqual(t, utf8.RuneCountInString(e.Description), 255)
	}
}

func TestTransfer_CallerCancelDuringFraudCheckStillBlocks(t *testing.T) {
	f := newFixture(t)
	arrived := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(arrived) })
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fraud.CheckResponse{RiskScore: 92, Decision: model.DecisionBlock, Reason: "velocity"})
	}))
	t.Cleanup(srv.Close)

	log, err := logger.NewLogger("error")
	require.NoError(t, err)
	f.svc.fraud = fraud.NewClient(fraud.Options{
		URL: srv.URL, Timeout: 2 * time.Second, BreakerFailures: 1, BreakerCooldown: time.Minute,
	}, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	_, err = f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.ErrorIs(t, err, apperr.ErrFraudBlocked)
	assert.Error(t, ctx.Err())

	assertBalances(t, f.db, "1000", "0", "0")
	var txn model.Transaction
	require.NoError(t, f.db.Where("idempotency_key = ?", "key-1").First(&txn).Error)
	assert.Equal(t, model.StatusCancelled, txn.Status)

	var fc model.FraudCheck
	require.NoError(t, f.db.Where("transaction_id = ?", txn.ID).First(&fc).Error)
	assert.True(t, fc.Checked)
	assert.Equal(t, model.DecisionBlock, fc.Decision)
}

func TestTransfer_FeeAccountThatCannotTakeCredits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&model.Account{}).Where("id = ?", feeID).Update("status", model.AccountClosed).Error)

	_, err := f.svc.Transfer(context.Background(), transfer("key-1", "300"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvariant, apperr.KindOf(err))

	assertBalances(t, f.db, "1000", "0", "0")
	assert.EqualValues(t, 0, ledgerCount(t, f.db))
	var txn model.Transaction
	require.NoError(t, f.db.Where("idempotency_key = ?", "key-1").First(&txn).Error)
	assert.Equal(t, model.StatusFailed, txn.Status)
}

func TestReverse_RequiresOperatorOrPayee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orig, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)

	_, err = f.svc.Reverse(ctx, orig.TransactionRef, 999999, "not mine")
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.Reverse(ctx, orig.TransactionRef, srcOwner, "changed my mind")
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assertBalances(t, f.db, "695", "300", "5")
	assert.EqualValues(t, 4, ledgerCount(t, f.db))

	// the payee can send the money back
	rev, err := f.svc.Reverse(ctx, orig.TransactionRef, dstOwner, "wrong recipient")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rev.Status)
	assertBalances(t, f.db, "1000", "0", "0")
}

func TestReverse_RefusesWhenPayeeSpentFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orig, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)
	spend := transfer("key-2", "200")
	spend.SourceAccountNumber, spend.DestinationAccountNumber, spend.UserID = "ACC-D", "ACC-S", dstOwner
	_, err = f.svc.Transfer(ctx, spend)
	require.NoError(t, err)
	assertBalances(t, f.db, "895", "95", "10")

	_, err = f.svc.Reverse(ctx, orig.TransactionRef, operatorID, "dispute")
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assertBalances(t, f.db, "895", "95", "10")
	assert.EqualValues(t, 8, ledgerCount(t, f.db))

	var n int64
	require.NoError(t, f.db.Model(&model.Transaction{}).Where("type = ?", model.TxReversal).Count(&n).Error)
	assert.Zero(t, n)
}

func TestReverse_ClientCannotTakeReversalKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orig, err := f.svc.Transfer(ctx, transfer("key-1", "300"))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, transfer("reversal:"+orig.TransactionRef, "10"))
	require.ErrorIs(t, err, apperr.ErrIdempotencyKeyInvalid)

	rev, err := f.svc.Reverse(ctx, orig.TransactionRef, operatorID, "dispute")
	require.NoError(t, err)
	assert.False(t, rev.Replayed)
	assertBalances(t, f.db, "1000", "0", "0")
}
