package order

import "errors"

var (
	// ErrExists is returned when an order id is reused
	ErrExists = errors.New("order: order id already exists")
	// ErrTerminalStatus is returned when an event targets an order that can no longer change
	ErrTerminalStatus = errors.New("order: order is in a terminal status")
	// ErrInvalidTransition is returned for status changes the state machine does not allow
	ErrInvalidTransition = errors.New("order: invalid status transition")
)
