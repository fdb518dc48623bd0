package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the state-machine row for one money movement. Monetary
// fields are frozen once Status reaches COMPLETED.
type Transaction struct {
	ID                       uint64              `gorm:"primaryKey"`
	TransactionRef           string              `gorm:"size:40;uniqueIndex;not null"`
	IdempotencyKey           string              `gorm:"size:128;uniqueIndex;not null"`
	Type                     TransactionType     `gorm:"size:24;not null"`
	Status                   TransactionStatus   `gorm:"size:16;not null;index"`
	Amount                   decimal.Decimal     `gorm:"type:numeric(20,2);not null"`
	Fee                      decimal.Decimal     `gorm:"type:numeric(20,2);not null"`
	Currency                 string              `gorm:"size:3;not null"`
	SourceAccountID          *uint64             `gorm:"index"`
	DestinationAccountID     *uint64             `gorm:"index"`
	SourceBalanceBefore      decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	SourceBalanceAfter       decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	DestinationBalanceBefore decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	DestinationBalanceAfter  decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	Description              string              `gorm:"size:255"`
	RequestFingerprint       string              `gorm:"size:64"`
	InitiatedBy              *uint64
	ReversedTransactionID    *uint64   `gorm:"uniqueIndex"`
	FraudNote                string    `gorm:"size:255"`
	RetryCount               int       `gorm:"not null"`
	LastError                string    `gorm:"size:512"`
	Version                  uint64    `gorm:"not null;default:0"`
	CreatedAt                time.Time `gorm:"autoCreateTime"`
	UpdatedAt                time.Time `gorm:"autoUpdateTime"`
	CompletedAt              *time.Time
}

func (Transaction) TableName() string { return "transaction" }

// LedgerEntry is one immutable side of a double-entry posting.
type LedgerEntry struct {
	ID            uint64          `gorm:"primaryKey"`
	TransactionID uint64          `gorm:"not null;index"`
	AccountID     uint64          `gorm:"not null;index"`
	EntryType     EntryType       `gorm:"size:8;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Description   string          `gorm:"size:255"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }

// IdempotencyRecord is written once a transaction completes and outlives
// the short Redis dedup entry.
type IdempotencyRecord struct {
	ID            uint64    `gorm:"primaryKey"`
	Key           string    `gorm:"column:idempotency_key;size:128;uniqueIndex;not null"`
	TransactionID uint64    `gorm:"not null"`
	Fingerprint   string    `gorm:"size:64;not null"`
	RequestParams string    `gorm:"type:jsonb;not null"`
	ExpiresAt     time.Time `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }

// FraudCheck is the audit row for one fraud gate evaluation. Checked is
// false when the gate failed open.
type FraudCheck struct {
	ID               uint64 `gorm:"primaryKey"`
	TransactionID    uint64 `gorm:"not null;index"`
	Checked          bool   `gorm:"not null"`
	Decision         string `gorm:"size:16"`
	Reason           string `gorm:"size:255"`
	RiskScore        int
	Flags            string `gorm:"size:255"`
	ProcessingTimeMs int64
	Error            string    `gorm:"size:255"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

func (FraudCheck) TableName() string { return "fraud_check" }
