package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/fee"
	"github.com/richardliu001/bank-core/internal/fraud"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/richardliu001/bank-core/internal/repo"
	"github.com/richardliu001/bank-core/internal/validate"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxKeyLength         = 128
	maxDescriptionLength = 255

	// reversalKeyPrefix namespaces the keys reversals are stored under.
	reversalKeyPrefix = "reversal:"
)

// FraudChecker is the fraud gate.
type FraudChecker interface {
	Check(ctx context.Context, req fraud.CheckRequest) fraud.Outcome
}

// Metrics receives transaction outcomes.
type Metrics interface {
	TransactionCompleted(txType string, d time.Duration)
	TransactionFailed(txType, reason string)
	InvariantViolation()
}

// Options are the ledger rules the service enforces.
type Options struct {
	FeeAccountNumber string
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	MaxRetries       int
	IdempotencyTTL   time.Duration
	DedupTTL         time.Duration
	Location         *time.Location
	Now              func() time.Time
	// Operators may reverse any transaction; anyone else only one paid
	// into an account they hold.
	Operators []uint64
}

func (o *Options) defaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 10 * time.Minute
	}
}

// TransferRequest is one client transfer. IdempotencyKey travels out of
// band, in the Idempotency-Key header.
type TransferRequest struct {
	IdempotencyKey           string
	SourceAccountNumber      string
	DestinationAccountNumber string
	Amount                   decimal.Decimal
	Type                     model.TransactionType
	Description              string
	UserID                   uint64
}

// TransferResult is returned for first executions and replays alike.
type TransferResult struct {
	TransactionID  uint64                  `json:"transaction_id"`
	TransactionRef string                  `json:"transaction_reference"`
	Status         model.TransactionStatus `json:"status"`
	FraudCheckNote string                  `json:"fraud_check_note,omitempty"`
	Replayed       bool                    `json:"-"`
}

// TransferService glues the idempotency gate, validator, fraud gate and
// executor together.
type TransferService struct {
	repo      repo.RepositoryInterface
	validator *validate.Validator
	fraud     FraudChecker
	metrics   Metrics
	gate      *Gate
	executor  *Executor
	opts      Options
	log       *zap.SugaredLogger
}

// NewTransferService returns TransferService.
func NewTransferService(r repo.RepositoryInterface, fc FraudChecker, m Metrics, opts Options, logger *zap.SugaredLogger) *TransferService {
	opts.defaults()
	v := validate.New(r, validate.Rules{
		MinAmount: opts.MinAmount,
		MaxAmount: opts.MaxAmount,
		Location:  opts.Location,
	}, opts.Now)
	return &TransferService{
		repo:      r,
		validator: v,
		fraud:     fc,
		metrics:   m,
		gate:      &Gate{repo: r, maxRetries: opts.MaxRetries, log: logger},
		executor:  &Executor{repo: r, validator: v, metrics: m, opts: opts, log: logger},
		opts:      opts,
		log:       logger,
	}
}

// Transfer runs one transfer request through the whole pipeline.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	start := s.opts.Now()
	res, err := s.transfer(ctx, req)
	if err != nil {
		s.metrics.TransactionFailed(string(req.Type), apperr.CodeOf(err))
		if apperr.KindOf(err) == apperr.KindInvariant {
			s.log.Errorw("transfer aborted on invariant violation", "idempotency_key", req.IdempotencyKey, "error", err)
		} else {
			s.log.Infow("transfer rejected", "idempotency_key", req.IdempotencyKey, "code", apperr.CodeOf(err), "error", err)
		}
		return nil, err
	}
	if !res.Replayed {
		s.metrics.TransactionCompleted(string(req.Type), s.opts.Now().Sub(start))
		s.log.Infow("transfer completed", "transaction_ref", res.TransactionRef, "amount", req.Amount.StringFixed(2), "type", req.Type)
	}
	return res, nil
}

func (s *TransferService) transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := checkShape(req); err != nil {
		return nil, err
	}
	fp := Fingerprint(req.SourceAccountNumber, req.DestinationAccountNumber, req.Amount, req.Type)

	if res, err := s.replayCompleted(ctx, req.IdempotencyKey, fp); err != nil || res != nil {
		return res, err
	}

	src, dst, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	rules, err := s.repo.FeeRules(ctx, nil, req.Type)
	if err != nil {
		return nil, fmt.Errorf("load fee rules: %w", err)
	}
	charge := fee.Calculate(rules, req.Type, req.Amount)

	txn, replay, err := s.gate.Admit(ctx, &model.Transaction{
		TransactionRef:       NewReference(s.opts.Now()),
		IdempotencyKey:       req.IdempotencyKey,
		Type:                 req.Type,
		Status:               model.StatusPending,
		Amount:               req.Amount,
		Fee:                  charge,
		Currency:             src.Currency,
		SourceAccountID:      &src.ID,
		DestinationAccountID: &dst.ID,
		Description:          req.Description,
		RequestFingerprint:   fp,
		InitiatedBy:          &req.UserID,
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}
	// past admission the row is driven to a terminal state, screened and
	// audited, whether or not the caller is still waiting
	ctx = context.WithoutCancel(ctx)

	// advisory pass; the executor repeats it under lock
	if _, err := s.validator.Validate(ctx, nil, validate.Request{
		Source: src, Destination: dst, Amount: txn.Amount, Fee: txn.Fee, Type: txn.Type, UserID: req.UserID,
	}); err != nil {
		s.markFailed(ctx, txn.ID, err, false)
		return nil, err
	}

	outcome := s.fraud.Check(ctx, fraud.CheckRequest{
		TransactionRef:     txn.TransactionRef,
		Amount:             txn.Amount.InexactFloat64(),
		AccountID:          src.AccountNumber,
		DestinationAccount: dst.AccountNumber,
		TransactionType:    string(txn.Type),
		Timestamp:          s.opts.Now().UTC().Format(time.RFC3339),
	})
	s.recordFraudCheck(ctx, txn, outcome)
	if outcome.Blocked() {
		s.cancel(ctx, txn.ID, outcome)
		return nil, apperr.ErrFraudBlocked.WithDetails("", map[string]string{
			"reason":     outcome.Reason,
			"risk_score": fmt.Sprint(outcome.RiskScore),
		})
	}

	done, err := s.executor.Execute(ctx, txn.ID, req.UserID, outcome.Note())
	if err != nil {
		return nil, err
	}
	res := resultOf(done.Transaction, false)
	s.afterCommit(ctx, done, fp)
	return res, nil
}

func checkShape(req TransferRequest) error {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return apperr.ErrIdempotencyKeyMissing
	}
	if len(key) > maxKeyLength || strings.HasPrefix(key, reversalKeyPrefix) {
		return apperr.ErrIdempotencyKeyInvalid
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return apperr.ErrInvalidAmount
	}
	if !req.Type.Valid() || !req.Type.ClientSubmittable() {
		return apperr.ErrUnsupportedType.WithDetails("", map[string]string{"transaction_type": string(req.Type)})
	}
	if req.SourceAccountNumber == req.DestinationAccountNumber {
		return apperr.ErrSameAccount
	}
	if !utf8.ValidString(req.Description) || utf8.RuneCountInString(req.Description) > maxDescriptionLength {
		return apperr.ErrInvalidDescription
	}
	return nil
}

// Fingerprint identifies the parameters a key was first used with.
func Fingerprint(source, destination string, amount decimal.Decimal, txType model.TransactionType) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{source, destination, amount.StringFixed(2), string(txType)}, "|")))
	return hex.EncodeToString(sum[:])
}

// NewReference returns an external-facing transaction reference.
func NewReference(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "TXN" + now.UTC().Format("20060102") + id[:16]
}

func (s *TransferService) resolve(ctx context.Context, req TransferRequest) (*model.Account, *model.Account, error) {
	src, err := s.repo.GetAccountByNumber(ctx, nil, req.SourceAccountNumber)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperr.ErrSourceNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load source account: %w", err)
	}
	dst, err := s.repo.GetAccountByNumber(ctx, nil, req.DestinationAccountNumber)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperr.ErrDestinationNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load destination account: %w", err)
	}
	return src, dst, nil
}

// cachedResult is what the Redis dedup entry holds.
type cachedResult struct {
	TransferResult
	Fingerprint string `json:"fingerprint"`
}

// replayCompleted answers from the dedup cache or the idempotency table
// without touching the transaction row lock. A nil result means the key is
// not known to be completed.
func (s *TransferService) replayCompleted(ctx context.Context, key, fp string) (*TransferResult, error) {
	raw, err := s.repo.GetCompletedKey(ctx, key)
	if err != nil {
		s.log.Warnw("dedup cache read failed", "idempotency_key", key, "error", err)
	}
	if raw != "" {
		var c cachedResult
		if err := json.Unmarshal([]byte(raw), &c); err == nil {
			if c.Fingerprint != fp {
				return nil, apperr.ErrIdempotencyKeyReused
			}
			res := c.TransferResult
			res.Replayed = true
			return &res, nil
		}
	}

	rec, err := s.repo.GetIdempotencyRecord(ctx, key, s.opts.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Fingerprint != fp {
		return nil, apperr.ErrIdempotencyKeyReused
	}
	txn, err := s.repo.GetTransactionByID(ctx, nil, rec.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction for idempotency record: %w", err)
	}
	return resultOf(txn, true), nil
}

func resultOf(t *model.Transaction, replayed bool) *TransferResult {
	return &TransferResult{
		TransactionID:  t.ID,
		TransactionRef: t.TransactionRef,
		Status:         t.Status,
		FraudCheckNote: t.FraudNote,
		Replayed:       replayed,
	}
}

// afterCommit refreshes caches. Failures only cost a cache miss later.
func (s *TransferService) afterCommit(ctx context.Context, done *Execution, fp string) {
	for _, a := range done.Accounts {
		if err := s.repo.CacheBalance(ctx, a.AccountNumber, a.Balance); err != nil {
			s.log.Warn(err)
		}
	}
	payload, _ := json.Marshal(cachedResult{TransferResult: *resultOf(done.Transaction, false), Fingerprint: fp})
	if err := s.repo.CacheCompletedKey(ctx, done.Transaction.IdempotencyKey, string(payload), s.opts.DedupTTL); err != nil {
		s.log.Warn(err)
	}
}

func (s *TransferService) recordFraudCheck(ctx context.Context, txn *model.Transaction, o fraud.Outcome) {
	fc := &model.FraudCheck{
		TransactionID:    txn.ID,
		Checked:          o.Checked,
		Decision:         o.Decision,
		Reason:           o.Reason,
		RiskScore:        o.RiskScore,
		Flags:            strings.Join(o.Flags, ","),
		ProcessingTimeMs: o.Latency.Milliseconds(),
	}
	if !o.Checked {
		fc.Reason = "fraud check not performed: " + o.FailReason
		if o.Err != nil {
			fc.Error = truncate(o.Err.Error(), 255)
		}
	}
	if err := s.repo.CreateFraudCheck(ctx, nil, fc); err != nil {
		s.log.Errorw("write fraud audit row", "transaction_ref", txn.TransactionRef, "error", err)
	}
}

// cancel moves a fraud-blocked transaction to CANCELLED so the key cannot
// be retried into execution.
func (s *TransferService) cancel(ctx context.Context, id uint64, o fraud.Outcome) {
	ctx = context.WithoutCancel(ctx)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.CanTransitionTo(t.Status, model.StatusCancelled) {
			return nil
		}
		return s.repo.UpdateTransaction(ctx, tx, t.ID, t.Version, map[string]interface{}{
			"status":     model.StatusCancelled,
			"last_error": truncate("blocked by fraud screening: "+o.Reason, 512),
			"fraud_note": truncate(o.Reason, 255),
		})
	})
	if err != nil {
		s.log.Errorw("cancel blocked transaction", "transaction_id", id, "error", err)
	}
}

func (s *TransferService) markFailed(ctx context.Context, id uint64, cause error, exhaust bool) {
	if err := markFailed(ctx, s.repo, id, cause, exhaust, s.opts.MaxRetries); err != nil {
		s.log.Errorw("mark transaction failed", "transaction_id", id, "error", err)
	}
}

// markFailed records cause on a transaction that did not complete. With
// exhaust set the retry budget is consumed so the key is never re-run.
func markFailed(ctx context.Context, r repo.RepositoryInterface, id uint64, cause error, exhaust bool, maxRetries int) error {
	ctx = context.WithoutCancel(ctx)
	return r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := r.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.CanTransitionTo(t.Status, model.StatusFailed) {
			return nil
		}
		fields := map[string]interface{}{
			"status":     model.StatusFailed,
			"last_error": truncate(cause.Error(), 512),
		}
		if exhaust && t.RetryCount < maxRetries {
			fields["retry_count"] = maxRetries
		}
		return r.UpdateTransaction(ctx, tx, t.ID, t.Version, fields)
	})
}

// truncate keeps at most n characters of s, never splitting one.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
