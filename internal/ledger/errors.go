package ledger

import (
	"errors"
	"fmt"
)

// Error is the coded error shared by every ledger component.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details carries structured context (provider status, issue name, ids).
	Details map[string]string

	// Cause is the wrapped error, if any.
	Cause error
}

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// ErrCodeValidationMismatch means captured money disagrees with the order.
	ErrCodeValidationMismatch ErrorCode = "VALIDATION_MISMATCH"

	// ErrCodeAlreadyProcessed is an idempotency hit. Callers treat it as success.
	ErrCodeAlreadyProcessed ErrorCode = "ALREADY_PROCESSED"

	// ErrCodeProviderUnavailable covers network failures, timeouts and 5xx.
	// The outcome is unknown and the call is retryable.
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"

	// ErrCodeProviderRejected is a 4xx business rule rejection.
	ErrCodeProviderRejected ErrorCode = "PROVIDER_REJECTED"

	// ErrCodeOrphanAgreement means money was found with no internal order.
	ErrCodeOrphanAgreement ErrorCode = "ORPHAN_EXTERNAL_AGREEMENT"

	// ErrCodePersistenceFailure means the storage transaction was rolled back.
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"

	// ErrCodeLedgerImbalance means a pair failed the double-entry rule.
	ErrCodeLedgerImbalance ErrorCode = "LEDGER_IMBALANCE"

	// ErrCodeInvalidTransition means a state machine move is not allowed.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeNotFound means a referenced entity does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Detail returns a detail value or "".
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// AsError unwraps err to *Error.
func AsError(err error) (*Error, bool) {
	var le *Error
	ok := errors.As(err, &le)
	return le, ok
}

func IsValidationMismatch(err error) bool  { return CodeOf(err) == ErrCodeValidationMismatch }
func IsAlreadyProcessed(err error) bool    { return CodeOf(err) == ErrCodeAlreadyProcessed }
func IsProviderUnavailable(err error) bool { return CodeOf(err) == ErrCodeProviderUnavailable }
func IsProviderRejected(err error) bool    { return CodeOf(err) == ErrCodeProviderRejected }
func IsOrphanAgreement(err error) bool     { return CodeOf(err) == ErrCodeOrphanAgreement }
func IsPersistenceFailure(err error) bool  { return CodeOf(err) == ErrCodePersistenceFailure }
func IsLedgerImbalance(err error) bool     { return CodeOf(err) == ErrCodeLedgerImbalance }
func IsInvalidTransition(err error) bool   { return CodeOf(err) == ErrCodeInvalidTransition }
func IsNotFound(err error) bool            { return CodeOf(err) == ErrCodeNotFound }

// NewValidationMismatch reports drifted money.
func NewValidationMismatch(format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidationMismatch, Message: fmt.Sprintf(format, args...)}
}

// NewAlreadyProcessed reports an idempotency hit on key.
func NewAlreadyProcessed(key string) *Error {
	return &Error{
		Code:    ErrCodeAlreadyProcessed,
		Message: "already processed",
		Details: map[string]string{"key": key},
	}
}

// NewProviderUnavailable wraps a transport failure.
func NewProviderUnavailable(op string, cause error) *Error {
	return &Error{
		Code:    ErrCodeProviderUnavailable,
		Message: op,
		Cause:   cause,
	}
}

// NewProviderRejected reports a provider business rejection.
func NewProviderRejected(op string, status int, issue, message string) *Error {
	return &Error{
		Code:    ErrCodeProviderRejected,
		Message: fmt.Sprintf("%s: %s", op, message),
		Details: map[string]string{
			"status": fmt.Sprintf("%d", status),
			"issue":  issue,
		},
	}
}

// NewOrphanAgreement reports money that maps to no order.
func NewOrphanAgreement(agreementID, captureID string) *Error {
	return &Error{
		Code:    ErrCodeOrphanAgreement,
		Message: "external agreement has no matching order",
		Details: map[string]string{"agreement_id": agreementID, "capture_id": captureID},
	}
}

// NewPersistenceFailure wraps a rolled back storage error.
func NewPersistenceFailure(op string, cause error) *Error {
	return &Error{Code: ErrCodePersistenceFailure, Message: op, Cause: cause}
}

// NewLedgerImbalance reports a pair that fails the double-entry rule.
func NewLedgerImbalance(groupID string, credit, debit, fees int64) *Error {
	return &Error{
		Code:    ErrCodeLedgerImbalance,
		Message: fmt.Sprintf("credit %d + debit %d != fees %d", credit, debit, fees),
		Details: map[string]string{"group_id": groupID},
	}
}

// NewInvalidTransition reports a disallowed state change.
func NewInvalidTransition(entity, from, to string) *Error {
	return &Error{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
	}
}

// NewNotFound reports a missing entity.
func NewNotFound(entity, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", entity, id),
	}
}
