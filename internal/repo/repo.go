package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RepositoryInterface restricts Repo methods so services can be tested
// against a fake.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetAccountByNumber(ctx context.Context, tx *gorm.DB, number string) (*model.Account, error)
	GetAccountByID(ctx context.Context, tx *gorm.DB, id uint64) (*model.Account, error)
	LockAccounts(ctx context.Context, tx *gorm.DB, ids ...uint64) (map[uint64]*model.Account, error)
	ApplyBalanceDelta(ctx context.Context, tx *gorm.DB, accountID uint64, delta decimal.Decimal, oldVersion uint64) error
	IsAuthorizedHolder(ctx context.Context, tx *gorm.DB, accountID, userID uint64) (bool, error)
	GetAccountLimit(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.AccountLimit, error)

	ActiveLimits(ctx context.Context, tx *gorm.DB, accountID uint64, userID *uint64, txType model.TransactionType, forUpdate bool) ([]model.TransactionLimit, error)
	ResetLimit(ctx context.Context, tx *gorm.DB, id, oldVersion uint64, resetAt time.Time) error
	IncrementLimitUsage(ctx context.Context, tx *gorm.DB, id uint64, amount decimal.Decimal) error
	FeeRules(ctx context.Context, tx *gorm.DB, txType model.TransactionType) ([]model.FeeRule, error)

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TxByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string, forUpdate bool) (bool, *model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	GetTransactionByRef(ctx context.Context, tx *gorm.DB, ref string) (*model.Transaction, error)
	GetTransactionByID(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *gorm.DB, id, oldVersion uint64, fields map[string]interface{}) error
	ReversalOf(ctx context.Context, tx *gorm.DB, originalID uint64) (*model.Transaction, error)
	StaleTransactions(ctx context.Context, statuses []model.TransactionStatus, olderThan time.Time, limit int) ([]model.Transaction, error)

	CreateLedgerEntries(ctx context.Context, tx *gorm.DB, entries []model.LedgerEntry) error
	LedgerByTransaction(ctx context.Context, tx *gorm.DB, transactionID uint64) ([]model.LedgerEntry, error)
	LedgerByAccount(ctx context.Context, accountID uint64, limit, offset int) ([]model.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, tx *gorm.DB, transactionID uint64) (int64, error)

	CreateIdempotencyRecord(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*model.IdempotencyRecord, error)
	PurgeExpiredIdempotency(ctx context.Context, now time.Time, limit int) (int64, error)
	CreateFraudCheck(ctx context.Context, tx *gorm.DB, fc *model.FraudCheck) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	MarkOutboxFailed(ctx context.Context, id uint64, cause error) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, accountNumber string, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, accountNumber string) (decimal.Decimal, error)
	CacheCompletedKey(ctx context.Context, key, value string, ttl time.Duration) error
	GetCompletedKey(ctx context.Context, key string) (string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. writer may be nil for processes that never
// publish.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// q picks the caller's transaction, or the pool when there is none.
func (r *Repository) q(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx.WithContext(ctx)
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
