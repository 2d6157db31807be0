package order

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrReturnWindowClosed  = errors.New("return window closed")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrUnauthorized        = errors.New("email is required (or send Authorization bearer token)")
	ErrStorage             = errors.New("storage error")
	// ErrConstraintViolation wraps ErrStorage: a referenced product or another
	// foreign value was rejected by the database.
	ErrConstraintViolation = fmt.Errorf("%w: constraint violation", ErrStorage)
)

// TransitionError describes a rejected transition. It matches ErrInvalidTransition.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s (%s -> %s)", e.Reason, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func rejectTransition(from, to Status, reason string) error {
	return &TransitionError{From: from, To: to, Reason: reason}
}

// ValidationError lists the offending fields of a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %d invalid field(s)", ErrValidation, len(e.Fields))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
