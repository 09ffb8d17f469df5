package billing

import (
	"errors"
	"fmt"

	"github.com/zllovesuki/billing/credit"
	"github.com/zllovesuki/billing/order"
	"github.com/zllovesuki/billing/subscription"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDuplicateDelivery means the event was already applied. The correct outcome is to do nothing,
	// but it is raised so redeliveries stay visible.
	ErrDuplicateDelivery = errors.New("billing: event already processed")
	// ErrStateInconsistency means local state and the provider disagree and an operator must look
	ErrStateInconsistency = errors.New("billing: local state inconsistent with provider")
)

// ValidationError is a malformed or incomplete event. Retrying will not fix it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed for %s: %s", e.Field, e.Message)
}

// Invalid returns a ValidationError for field
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func fromValidator(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		return Invalid(errs[0].Field(), "failed on "+errs[0].Tag())
	}
	return Invalid("request", err.Error())
}

// Inconsistent returns an ErrStateInconsistency with details
func Inconsistent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStateInconsistency, fmt.Sprintf(format, args...))
}

// IsValidation returns true for malformed events
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsDuplicate returns true if the event targets work that is already done
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateDelivery) ||
		errors.Is(err, order.ErrTerminalStatus) ||
		errors.Is(err, order.ErrExists) ||
		errors.Is(err, credit.ErrDuplicateOperation)
}

// IsInconsistency returns true if local state diverged from the provider
func IsInconsistency(err error) bool {
	return errors.Is(err, ErrStateInconsistency) ||
		errors.Is(err, subscription.ErrMultipleActive) ||
		errors.Is(err, subscription.ErrInvalidTransition) ||
		errors.Is(err, order.ErrInvalidTransition)
}

// IsTransient returns true for everything else, which the event source should retry
func IsTransient(err error) bool {
	return err != nil && !IsValidation(err) && !IsDuplicate(err) && !IsInconsistency(err)
}
