package evaluator

import (
	"errors"
	"strings"
)

// ParseError means the payload is not well-formed JSON object data.
// It is never retried.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parse event: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError lists every structural problem found in a parsed event.
// It is never retried.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + strings.Join(e.Violations, "; ")
}

// TransientError is a store or network fault while handling a valid
// message. The message is reported for redelivery.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsPoison reports whether err marks the message as unprocessable.
func IsPoison(err error) bool {
	var pe *ParseError
	var ve *ValidationError
	return errors.As(err, &pe) || errors.As(err, &ve)
}

// IsTransient reports whether err should lead to redelivery.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
