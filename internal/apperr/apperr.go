// Package apperr holds the error taxonomy shared by the validator, the
// executor and the transport layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how the caller is expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindClientInput
	KindNotFound
	KindAuthorization
	KindState
	KindLimitExceeded
	KindFraudBlocked
	KindConflict
	KindTransient
	KindPermanentFailure
	KindInvariant
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindClientInput:      "client_input",
	KindNotFound:         "not_found",
	KindAuthorization:    "authorization",
	KindState:            "state",
	KindLimitExceeded:    "limit_exceeded",
	KindFraudBlocked:     "fraud_blocked",
	KindConflict:         "conflict",
	KindTransient:        "transient",
	KindPermanentFailure: "permanent_failure",
	KindInvariant:        "invariant_violation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// HTTPStatus maps a kind to the response status used by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindClientInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization, KindFraudBlocked:
		return http.StatusForbidden
	case KindState, KindLimitExceeded, KindPermanentFailure:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Two errors are equal under errors.Is when
// their codes match, so sentinels can carry per-call details.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// New returns a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// WithDetails returns a copy of e carrying the given details and message.
func (e *Error) WithDetails(msg string, details map[string]string) *Error {
	cp := *e
	if msg != "" {
		cp.Message = msg
	}
	cp.Details = details
	return &cp
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Invariantf builds a fatal bookkeeping error. These are never retried.
func Invariantf(format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Code: "invariant_violation", Message: fmt.Sprintf(format, args...)}
}

// Client input.
var (
	ErrIdempotencyKeyMissing = New(KindClientInput, "idempotency_key_missing", "idempotency key missing in request header")
	ErrIdempotencyKeyInvalid = New(KindClientInput, "idempotency_key_invalid", "idempotency key must be at most 128 characters and not use a reserved prefix")
	ErrIdempotencyKeyReused  = New(KindClientInput, "idempotency_key_reused", "idempotency key was already used with different parameters")
	ErrInvalidAmount         = New(KindClientInput, "invalid_amount", "amount must be positive with at most two decimal places")
	ErrSameAccount           = New(KindClientInput, "same_account", "cannot transfer to the same account")
	ErrUnsupportedType       = New(KindClientInput, "unsupported_transaction_type", "transaction type is not accepted here")
	ErrAmountBelowMinimum    = New(KindClientInput, "amount_below_minimum", "amount is below the minimum allowed")
	ErrAmountAboveMaximum    = New(KindClientInput, "amount_above_maximum", "amount exceeds the maximum allowed")
	ErrCurrencyMismatch      = New(KindClientInput, "currency_mismatch", "cross-currency transfers are not supported")
	ErrInvalidDescription    = New(KindClientInput, "invalid_description", "description must be valid UTF-8 of at most 255 characters")
)

// Lookups.
var (
	ErrSourceNotFound      = New(KindNotFound, "source_account_not_found", "source account not found")
	ErrDestinationNotFound = New(KindNotFound, "destination_account_not_found", "destination account not found")
	ErrTransactionNotFound = New(KindNotFound, "transaction_not_found", "transaction not found")
	ErrAccountNotFound     = New(KindNotFound, "account_not_found", "account not found")
)

// Authorization.
var ErrPermissionDenied = New(KindAuthorization, "permission_denied", "user not authorized for this account")

// Account state.
var (
	ErrSourceInactive         = New(KindState, "source_not_active", "source account not active")
	ErrDestinationInactive    = New(KindState, "destination_not_active", "destination account not active")
	ErrSourceFrozen           = New(KindState, "source_frozen", "source account is frozen")
	ErrDestinationFrozen      = New(KindState, "destination_frozen", "destination account is frozen")
	ErrSourceClosed           = New(KindState, "source_closed", "source account is closed")
	ErrDestinationClosed      = New(KindState, "destination_closed", "destination account is closed")
	ErrDebitNotAllowed        = New(KindState, "debit_not_allowed", "debit not allowed on source account")
	ErrCreditNotAllowed       = New(KindState, "credit_not_allowed", "credit not allowed on destination account")
	ErrAccountTypeRestriction = New(KindState, "account_type_restriction", "transaction type not allowed for this account type")
	ErrInsufficientFunds      = New(KindState, "insufficient_funds", "insufficient funds")
	ErrLimitNotConfigured     = New(KindState, "limit_not_configured", "transaction limit not configured for this account")
	ErrNotReversible          = New(KindState, "not_reversible", "transaction cannot be reversed")
	ErrAlreadyReversed        = New(KindConflict, "already_reversed", "transaction has already been reversed")
)

// Limits.
var (
	ErrSingleDebitLimit  = New(KindLimitExceeded, "single_transaction_debit_limit", "amount exceeds per-transaction debit limit")
	ErrSingleCreditLimit = New(KindLimitExceeded, "single_transaction_credit_limit", "amount exceeds per-transaction credit limit")
	ErrRollingAmount     = New(KindLimitExceeded, "rolling_amount_limit", "rolling amount limit exceeded")
	ErrRollingCount      = New(KindLimitExceeded, "rolling_count_limit", "rolling transaction count limit exceeded")
)

// Fraud, idempotency, concurrency.
var (
	ErrFraudBlocked      = New(KindFraudBlocked, "fraud_blocked", "transaction blocked by fraud screening")
	ErrStillProcessing   = New(KindConflict, "still_processing", "transaction is still processing")
	ErrRetriesExhausted  = New(KindPermanentFailure, "retries_exhausted", "transaction failed, max retries reached")
	ErrTransactionClosed = New(KindPermanentFailure, "transaction_closed", "transaction was cancelled and cannot be retried")
	ErrVersionConflict   = New(KindTransient, "version_conflict", "optimistic lock conflict")
)
