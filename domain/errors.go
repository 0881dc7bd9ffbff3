package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a semantic classification shared across transport layers.
type ErrorCode string

const (
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeInvalid            ErrorCode = "INVALID"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal           ErrorCode = "INTERNAL"
	ErrCodeTransient          ErrorCode = "TRANSIENT"
	ErrCodeDuplicate          ErrorCode = "DUPLICATE"
	ErrCodeInvalidModel       ErrorCode = "INVALID_MODEL_CONFIG"
	ErrCodeRounding           ErrorCode = "ROUNDING"
	ErrCodeBatchClaimConflict ErrorCode = "BATCH_CLAIM_CONFLICT"
)

// Error represents a domain-level error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches two domain errors by code and message so wrapped sentinels
// still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// NewError builds a domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain classification.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Transient marks a storage or collaborator failure as safe to retry.
func Transient(message string, err error) *Error {
	return WrapError(ErrCodeTransient, message, err)
}

// Common domain errors.
var (
	ErrInvalidPayload         = NewError(ErrCodeInvalid, "invalid payload")
	ErrUnauthorized           = NewError(ErrCodeUnauthorized, "unauthorized")
	ErrClickNotFound          = NewError(ErrCodeNotFound, "click not found")
	ErrClaimNotFound          = NewError(ErrCodeNotFound, "conversion claim not found")
	ErrBatchNotFound          = NewError(ErrCodeNotFound, "payout batch not found")
	ErrDuplicateConversion    = NewError(ErrCodeDuplicate, "conversion already processed")
	ErrClaimInProgress        = NewError(ErrCodeConflict, "conversion is being processed by another worker")
	ErrClaimLost              = NewError(ErrCodeConflict, "conversion claim no longer held")
	ErrConversionPending      = NewError(ErrCodeConflict, "conversion has not been attributed yet")
	ErrCorrectionWindowShut   = NewError(ErrCodeInvalid, "correction is outside the attribution lookback")
	ErrBatchClaimConflict     = NewError(ErrCodeBatchClaimConflict, "payout period is claimed by another writer")
	ErrBatchState             = NewError(ErrCodeConflict, "payout batch is not in the expected state")
	ErrEntryAlreadyBatched    = NewError(ErrCodeConflict, "ledger entry already belongs to a payout batch")
	ErrInvalidModelConfig     = NewError(ErrCodeInvalidModel, "invalid attribution model configuration")
	ErrRoundingReconciliation = NewError(ErrCodeRounding, "rounding residual exceeds reconciliation bound")
)

// IsDomainError helps checking error codes.
func IsDomainError(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsDomainError(err, ErrCodeTransient) ||
		IsDomainError(err, ErrCodeConflict) ||
		IsDomainError(err, ErrCodeBatchClaimConflict)
}
