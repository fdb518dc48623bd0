package model

import "time"

// Outbox event types.
const (
	EventTransactionCompleted = "TransactionCompleted"
	EventTransactionReversed  = "TransactionReversed"
)

type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
	RetryCount  int    `gorm:"not null;default:0"`
	LastError   string `gorm:"size:512"`
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// AllModels lists every table owned by the core, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Account{}, &JointHolder{}, &AccountLimit{}, &TransactionLimit{}, &FeeRule{},
		&Transaction{}, &LedgerEntry{}, &IdempotencyRecord{}, &FraudCheck{}, &OutboxEvent{},
	}
}
