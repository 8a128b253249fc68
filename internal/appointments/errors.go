package appointments

import (
	"errors"
	"fmt"
)

// Storage-level sentinels. Services translate them into an *Error with a Kind.
var (
	ErrNotFound        = errors.New("appointments: not found")
	ErrSlotTaken       = errors.New("appointments: slot already booked")
	ErrTokenTaken      = errors.New("appointments: token already in use")
	ErrVersionConflict = errors.New("appointments: concurrent update")
)

// Kind classifies failures surfaced to callers.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidState    Kind = "invalid_state"
	KindExpired         Kind = "expired"
	KindConflict        Kind = "conflict"
	KindAlreadyTerminal Kind = "already_terminal"
	KindUpstreamFailure Kind = "upstream_failure"
	KindValidation      Kind = "validation_error"
)

// Error carries a taxonomy kind and a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error with a formatted reason.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and reason to an underlying error.
func WrapError(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the human-readable reason of err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// translate maps storage sentinels onto the public taxonomy.
func translate(err error, id fmt.Stringer) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return WrapError(KindNotFound, err, fmt.Sprintf("appointment %s not found", id))
	case errors.Is(err, ErrSlotTaken):
		return WrapError(KindConflict, err, "the requested slot is already booked")
	case errors.Is(err, ErrTokenTaken):
		return WrapError(KindConflict, err, "token already in use")
	case errors.Is(err, ErrVersionConflict):
		return WrapError(KindConflict, err, fmt.Sprintf("appointment %s was modified concurrently", id))
	}
	return err
}
