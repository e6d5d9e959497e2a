// Package apperr defines the machine-readable error kinds surfaced to API
// clients, and a small error type that carries a kind alongside a cause.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error code. Its string value is what clients see.
type Kind string

const (
	KindSessionNotFound       Kind = "SESSION_NOT_FOUND"
	KindInvalidFrameIndex     Kind = "INVALID_FRAME_INDEX"
	KindInvalidPoint          Kind = "INVALID_POINT"
	KindInvalidDirection      Kind = "INVALID_DIRECTION"
	KindInvalidRange          Kind = "INVALID_RANGE"
	KindCacheSeedFailed       Kind = "CACHE_SEED_FAILED"
	KindModelRuntime          Kind = "MODEL_RUNTIME_ERROR"
	KindExportFailed          Kind = "EXPORT_FAILED"
	KindVideoTooLong          Kind = "VIDEO_TOO_LONG"
	KindVideoProcessingFailed Kind = "VIDEO_PROCESSING_FAILED"
	KindBadRequest            Kind = "BAD_REQUEST"
	KindNotFound              Kind = "NOT_FOUND"
	KindInternal              Kind = "INTERNAL_ERROR"
)

// Error is an error with a Kind. Message is safe to show to clients; Err is
// the underlying cause and is reported as free-text detail.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// DetailOf returns the cause text for err, if any.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Err.Error()
		}
		return ""
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// HTTPStatus maps a kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSessionNotFound, KindNotFound:
		return http.StatusNotFound
	case KindInvalidFrameIndex, KindInvalidPoint, KindInvalidDirection,
		KindInvalidRange, KindVideoTooLong, KindBadRequest:
		return http.StatusBadRequest
	case KindCacheSeedFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
