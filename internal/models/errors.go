package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrInvalidSignature      = errors.New("invalid notification signature")
	ErrUnparsablePayload     = errors.New("unparsable notification payload")
	ErrMalformedNotification = errors.New("malformed notification")
	ErrDuplicatePayment      = errors.New("payment already processed")
	ErrLedgerWrite           = errors.New("ledger write failed")
	ErrRefundFailure         = errors.New("refund failed")
	ErrUnknownGateway        = errors.New("unknown payment gateway")
	ErrGatewayNotConfigured  = errors.New("payment gateway not configured")
	ErrUnknownTier           = errors.New("unknown price tier")
	ErrUnknownPackage        = errors.New("unknown credit package")
	ErrMissingUserID         = errors.New("missing user id")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

// InsufficientCreditsError is returned before any debit or external call is made.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// RefundFailureError means a debit was applied, the operation failed, and the
// compensating credit could not be written. The user is short Amount credits
// until an operator intervenes.
type RefundFailureError struct {
	UserID    string
	Amount    int64
	OpErr     error
	RefundErr error
}

func (e *RefundFailureError) Error() string {
	return fmt.Sprintf("refund of %d credits to %s failed: %v (operation error: %v)", e.Amount, e.UserID, e.RefundErr, e.OpErr)
}

func (e *RefundFailureError) Is(target error) bool {
	return target == ErrRefundFailure
}

func (e *RefundFailureError) Unwrap() []error {
	return []error{e.OpErr, e.RefundErr}
}

// LedgerWriteError wraps a storage failure for a ledger mutation.
func LedgerWriteError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedgerWrite, op, err)
}
