package credit

import "errors"

var (
	// ErrNotFound is returned when the user has no ledger row
	ErrNotFound = errors.New("credit: ledger not found")
	// ErrInsufficientCredits is returned when a debit cannot be fully covered. Nothing is debited.
	ErrInsufficientCredits = errors.New("credit: insufficient credits")
	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("credit: amount must not be negative")
	// ErrDuplicateOperation is returned when a recharge with the same reference was already applied
	ErrDuplicateOperation = errors.New("credit: operation already applied")
	// ErrHoldNotFound is returned when no hold exists for the reference
	ErrHoldNotFound = errors.New("credit: hold not found")
	// ErrHoldClosed is returned when a hold was already released or settled
	ErrHoldClosed = errors.New("credit: hold already closed")
	// ErrMissingReference is returned when an operation requires a ReferID
	ErrMissingReference = errors.New("credit: operation reference is required")
)
