package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a customer or internal ledger account. OwnerID is nil for
// internal accounts such as fee collection.
type Account struct {
	ID               uint64          `gorm:"primaryKey;column:id"`
	AccountNumber    string          `gorm:"size:20;uniqueIndex;not null"`
	OwnerID          *uint64         `gorm:"index"`
	Category         AccountCategory `gorm:"size:16;not null"`
	AccountType      AccountType     `gorm:"size:20;not null"`
	Balance          decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	AvailableBalance decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency         string          `gorm:"size:3;not null"`
	Status           AccountStatus   `gorm:"size:20;not null"`
	AllowDebit       bool            `gorm:"not null"`
	AllowCredit      bool            `gorm:"not null"`
	Version          uint64          `gorm:"not null;default:0"`
	CreatedAt        time.Time       `gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime"`
}

func (Account) TableName() string { return "account" }

// JointHolder grants a second user access to an account.
type JointHolder struct {
	ID          uint64 `gorm:"primaryKey"`
	AccountID   uint64 `gorm:"not null;uniqueIndex:idx_joint_account_user"`
	UserID      uint64 `gorm:"not null;uniqueIndex:idx_joint_account_user"`
	CanTransact bool   `gorm:"not null"`
}

func (JointHolder) TableName() string { return "joint_holder" }

// AccountLimit holds the static ceilings for one account. A zero value in
// any field means the ceiling is not set.
type AccountLimit struct {
	ID                           uint64          `gorm:"primaryKey"`
	AccountID                    uint64          `gorm:"uniqueIndex;not null"`
	SingleTransactionDebitLimit  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	SingleTransactionCreditLimit decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	DailyDebitLimit              decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	DailyCreditLimit             decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	DailyTransactionCount        int             `gorm:"not null"`
	MonthlyDebitLimit            decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	UpdatedAt                    time.Time       `gorm:"autoUpdateTime"`
}

func (AccountLimit) TableName() string { return "account_limit" }

// TransactionLimit is a rolling usage counter scoped to an account or a
// user. MaxCount of zero means the count is not bounded.
type TransactionLimit struct {
	ID              uint64          `gorm:"primaryKey"`
	AccountID       *uint64         `gorm:"index"`
	UserID          *uint64         `gorm:"index"`
	TransactionType TransactionType `gorm:"size:24;not null"`
	LimitType       LimitType       `gorm:"size:20;not null"`
	MaxAmount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	MaxCount        int             `gorm:"not null"`
	CurrentAmount   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	CurrentCount    int             `gorm:"not null"`
	ResetAt         time.Time       `gorm:"not null"`
	IsActive        bool            `gorm:"not null"`
	Version         uint64          `gorm:"not null;default:0"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime"`
}

func (TransactionLimit) TableName() string { return "transaction_limit" }

// FeeRule charges FeeAmount for amounts inside [MinAmount, MaxAmount].
type FeeRule struct {
	ID              uint64          `gorm:"primaryKey"`
	TransactionType TransactionType `gorm:"size:24;not null;index"`
	MinAmount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	MaxAmount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	FeeAmount       decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	IsActive        bool            `gorm:"not null"`
}

func (FeeRule) TableName() string { return "fee_rule" }
