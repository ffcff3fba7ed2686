package coins

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the coin service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrUnknownChapter          = errors.New("unknown chapter")
	ErrUnknownIntent           = errors.New("unknown payment intent")
	ErrUnknownPackage          = errors.New("unknown coin package")
	ErrEventNotFound           = errors.New("ledger event not found")
	ErrEntitlementNotFound     = errors.New("entitlement not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateEntitlement    = errors.New("duplicate entitlement")
	ErrDuplicateOrderRef       = errors.New("duplicate order reference")
	ErrIdempotencyConflict     = errors.New("idempotency key reused with different payload")
	ErrIntentClosed            = errors.New("payment intent closed")
	ErrAmountMismatch          = errors.New("gross amount does not match payment intent")
	ErrInconsistentState       = errors.New("inconsistent state")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	ErrGatewayRejected         = errors.New("payment gateway rejected request")
	ErrInvalidSignature        = errors.New("invalid gateway signature")
	ErrInvalidGatewayPayload   = errors.New("invalid gateway payload")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidChapterID        = errors.New("invalid chapter id")
	ErrInvalidStoryID          = errors.New("invalid story id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidOrderRef         = errors.New("invalid order reference")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidCoinAmount       = errors.New("invalid coin amount")
	ErrInvalidCoinDelta        = errors.New("invalid coin delta")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidChapterPrice     = errors.New("invalid chapter price")
	ErrInvalidEventReason      = errors.New("invalid event reason")
	ErrInvalidIntentStatus     = errors.New("invalid intent status")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidListLimit        = errors.New("list limit exceeds maximum")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsRetryableConflict reports whether err came from losing a uniqueness race
// that a fresh transaction will observe as already applied.
func IsRetryableConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) || errors.Is(err, ErrDuplicateEntitlement)
}
