// Package mediaerr defines the closed error taxonomy shared by the media
// pipeline. Every failure that can reach the session state machine carries a
// Kind, which decides between local recovery and a full session reset.
package mediaerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindInternal is an unexpected fault. The session is reset.
	KindInternal Kind = iota
	// KindInvalidTransition is an event that is not valid in the current state.
	KindInvalidTransition
	// KindUserInput is a request the user can fix (e.g. too few clips).
	KindUserInput
	// KindResourceLimit is an oversized file or an over-full queue.
	KindResourceLimit
	// KindTransientNetwork is a retryable download/upload/edit failure.
	KindTransientNetwork
	// KindEncoding is a merge or mux job failure.
	KindEncoding
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindUserInput:
		return "user_input"
	case KindResourceLimit:
		return "resource_limit"
	case KindTransientNetwork:
		return "transient_network"
	case KindEncoding:
		return "encoding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Recoverable reports whether the session survives an error of this kind
// without mutation.
func (k Kind) Recoverable() bool {
	switch k {
	case KindInvalidTransition, KindUserInput, KindResourceLimit, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "ingest.download".
	Op string
	// Reason is a short machine-friendly key used to pick the user message.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Reason != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Reason
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap classifies err. A nil err yields nil. An err that is already
// classified keeps its original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason key of err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// FromContext converts the error of a finished context. An expired deadline
// is classified as kind; an explicit cancellation is returned unclassified so
// callers can tell "stopped on purpose" from "failed".
func FromContext(ctx context.Context, kind Kind, op string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: kind, Op: op, Reason: "timeout", Err: err}
	}
	return err
}

// IsCancelled reports whether err is an explicit cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
