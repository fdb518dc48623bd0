package model

// TransactionType is the closed set of money movements the core knows about.
type TransactionType string

const (
	TxInternalTransfer TransactionType = "INTERNAL_TRANSFER"
	TxDeposit          TransactionType = "DEPOSIT"
	TxWithdrawal       TransactionType = "WITHDRAWAL"
	TxCardTransaction  TransactionType = "CARD_TRANSACTION"
	TxMpesaDeposit     TransactionType = "MPESA_DEPOSIT"
	TxMpesaWithdrawal  TransactionType = "MPESA_WITHDRAWAL"
	TxReversal         TransactionType = "REVERSAL"
	TxFee              TransactionType = "FEE"
	TxInterest         TransactionType = "INTEREST"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxInternalTransfer, TxDeposit, TxWithdrawal, TxCardTransaction,
		TxMpesaDeposit, TxMpesaWithdrawal, TxReversal, TxFee, TxInterest:
		return true
	}
	return false
}

// ClientSubmittable reports whether a customer request may carry t.
// Reversal, fee and interest rows are produced by the core itself.
func (t TransactionType) ClientSubmittable() bool {
	switch t {
	case TxInternalTransfer, TxDeposit, TxWithdrawal, TxCardTransaction,
		TxMpesaDeposit, TxMpesaWithdrawal:
		return true
	case TxReversal, TxFee, TxInterest:
		return false
	}
	return false
}

// IsWithdrawalClass reports whether t takes money out of the bank.
func (t TransactionType) IsWithdrawalClass() bool {
	switch t {
	case TxWithdrawal, TxMpesaWithdrawal:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusReversed   TransactionStatus = "REVERSED"
	StatusCancelled  TransactionStatus = "CANCELLED"
)

// ValidStatusTransitions lists the edges of the transaction state machine.
// COMPLETED, REVERSED and CANCELLED have no outgoing edges.
var ValidStatusTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

func CanTransitionTo(current, target TransactionStatus) bool {
	for _, s := range ValidStatusTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s TransactionStatus) Terminal() bool {
	return len(ValidStatusTransitions[s]) == 0
}

type AccountStatus string

const (
	AccountActive          AccountStatus = "ACTIVE"
	AccountFrozen          AccountStatus = "FROZEN"
	AccountClosed          AccountStatus = "CLOSED"
	AccountPendingApproval AccountStatus = "PENDING_APPROVAL"
	AccountInactive        AccountStatus = "INACTIVE"
	AccountRejected        AccountStatus = "REJECTED"
)

type AccountCategory string

const (
	CategoryCustomer AccountCategory = "CUSTOMER"
	CategoryInternal AccountCategory = "INTERNAL"
)

type AccountType string

const (
	AccountSavings      AccountType = "SAVINGS"
	AccountFixedDeposit AccountType = "FIXED_DEPOSIT"
	AccountBusiness     AccountType = "BUSINESS"
)

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

type LimitType string

const (
	LimitDaily          LimitType = "DAILY"
	LimitWeekly         LimitType = "WEEKLY"
	LimitMonthly        LimitType = "MONTHLY"
	LimitPerTransaction LimitType = "PER_TRANSACTION"
)

// Fraud decisions returned by the scoring service.
const (
	DecisionApprove   = "APPROVE"
	DecisionChallenge = "CHALLENGE"
	DecisionFlag      = "FLAG"
	DecisionBlock     = "BLOCK"
)
