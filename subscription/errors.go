package subscription

import "errors"

var (
	// ErrMultipleActive is returned when an operation would leave a user with more than one active subscription
	ErrMultipleActive = errors.New("subscription: user already has an active subscription")
	// ErrInvalidTransition is returned for status changes the state machine does not allow
	ErrInvalidTransition = errors.New("subscription: invalid status transition")
)
