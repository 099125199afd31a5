package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrMissingReason         = errors.New("missing reason")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrSelfTransfer          = errors.New("cannot transfer credits to yourself")
	ErrItemSumMismatch       = errors.New("item amounts do not sum to total")
	ErrConversionUnsupported = errors.New("conversion unsupported")
	ErrOperationDenied       = errors.New("operation denied")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// NotEnoughCreditsError reports an insufficient balance together with the
// computed shortfall, so callers can drive an intent or top-up flow.
type NotEnoughCreditsError struct {
	Missing float64
	Cause   error
}

// Error returns the formatted error message.
func (notEnough NotEnoughCreditsError) Error() string {
	if notEnough.Cause != nil {
		return fmt.Sprintf("not enough credits: missing %.2f: %v", notEnough.Missing, notEnough.Cause)
	}
	return fmt.Sprintf("not enough credits: missing %.2f", notEnough.Missing)
}

// Unwrap returns the underlying top-up error, if any.
func (notEnough NotEnoughCreditsError) Unwrap() error {
	return notEnough.Cause
}

// IsNotEnoughCredits reports whether err carries a credits shortfall and
// returns the missing amount.
func IsNotEnoughCredits(err error) (float64, bool) {
	var notEnough NotEnoughCreditsError
	if errors.As(err, &notEnough) {
		return notEnough.Missing, true
	}
	return 0, false
}

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
