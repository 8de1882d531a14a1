package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInFlight is returned when input arrives while a turn is streaming.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrMissingIdentity is returned when no visitor email can be resolved.
	ErrMissingIdentity = errors.New("no user identity available")
	// ErrCancelled is returned by a turn that was cancelled before it ended.
	ErrCancelled = errors.New("turn cancelled")
	// ErrInvalidInput is the parent of every *InputError.
	ErrInvalidInput = errors.New("invalid input")
)

type InputErrorKind string

const (
	InputInvalidEmail InputErrorKind = "invalid_email"
	InputPublicDomain InputErrorKind = "public_domain"
)

// InputError is a local validation failure. The turn was not sent.
type InputError struct {
	Kind    InputErrorKind
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureBackend   FailureKind = "backend"
)

// TurnError reports a turn that ended in the failed state. The visitor has
// already been shown the apology message.
type TurnError struct {
	Kind FailureKind
	Err  error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// BackendError is the message carried by an error field in the stream.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend reported an error"
	}
	return "backend: " + e.Message
}
