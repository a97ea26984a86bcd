// Package waveerr defines the error taxonomy shared across the waveform
// data engine. Every error the engine surfaces to a caller — whether
// attached to a FileEntry or returned from a query — carries one of these
// kinds so that frontends can render a stable, typed diagnostic instead of
// pattern-matching on message text.
package waveerr

import (
	"errors"
	"fmt"
)

// Kind identifies which category of failure an error belongs to.
type Kind int

const (
	// KindUnknown is never constructed directly; it is the zero value
	// returned by Of for an error that didn't go through New/Wrap.
	KindUnknown Kind = iota
	KindPathInaccessible
	KindFormatUnrecognised
	KindHeaderCorrupt
	KindBodyCorrupt
	KindBodyUnavailable
	KindUnknownScope
	KindUnknownVariable
	KindOutOfRange
	KindInvalidRequest
	KindNonNumeric
	KindTimeOverflow
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindPathInaccessible:
		return "PathInaccessible"
	case KindFormatUnrecognised:
		return "FormatUnrecognised"
	case KindHeaderCorrupt:
		return "HeaderCorrupt"
	case KindBodyCorrupt:
		return "BodyCorrupt"
	case KindBodyUnavailable:
		return "BodyUnavailable"
	case KindUnknownScope:
		return "UnknownScope"
	case KindUnknownVariable:
		return "UnknownVariable"
	case KindOutOfRange:
		return "OutOfRange"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindNonNumeric:
		return "NonNumeric"
	case KindTimeOverflow:
		return "TimeOverflow"
	case KindCancelled:
		return "Cancelled"
	case KindInternal:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Error is the concrete type every waveerr constructor returns. It
// satisfies the standard error interface and unwraps to the underlying
// cause, so callers can still use errors.Is/errors.As against parser or
// I/O errors while frontends only ever need the Kind.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// New constructs an Error of the given kind with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap constructs an Error of the given kind around an underlying cause.
// Wrapping a nil cause returns nil, mirroring the common "wrap if err !=
// nil" idiom used throughout the engine.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, message: message, cause: cause}
}

// Of extracts the Kind from err if it (or something it wraps) is a
// *waveerr.Error, otherwise returns KindUnknown, false.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return KindUnknown, false
}
