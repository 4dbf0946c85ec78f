package repositories

import (
	"errors"
	"fmt"
)

// ErrCounterInvalidInput reports a malformed counter id or step.
var ErrCounterInvalidInput = errors.New("counter: invalid input")

type counterInputError struct{ detail string }

func (e counterInputError) Error() string { return "counter: " + e.detail }
func (e counterInputError) Unwrap() error { return ErrCounterInvalidInput }

// CounterInputError builds an error matching ErrCounterInvalidInput.
func CounterInputError(format string, args ...any) error {
	return counterInputError{detail: fmt.Sprintf(format, args...)}
}
