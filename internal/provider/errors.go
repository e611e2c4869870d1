package provider

import (
	"errors"
	"fmt"
)

// ErrCapabilityUnavailable is returned when no healthy provider serves a
// capability.
var ErrCapabilityUnavailable = errors.New("provider: capability unavailable")

// Kind classifies a provider failure for the retry policy.
type Kind int

const (
	// KindTerminal failures are never retried.
	KindTerminal Kind = iota
	// KindTransient failures may succeed on another attempt or provider.
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "terminal"
}

// Error carries a classification alongside the underlying cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" && e.Err != nil {
		return fmt.Sprintf("%s provider error (%s): %v", e.Kind, e.Reason, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s provider error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s provider error: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Terminal marks err as final.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTerminal, Err: err}
}

// KindOf classifies err. Anything not wrapped in *Error is terminal so an
// unknown failure never burns credit on blind retries.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTerminal
}
