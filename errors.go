package trackkit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned when operating on a closed tracker or queue.
	ErrClosed = errors.New("trackkit: tracker is closed")

	// ErrEmptyName is returned when an event has an empty name.
	ErrEmptyName = errors.New("trackkit: event name cannot be empty")

	// ErrInvalidType is returned when an event has an unknown type.
	ErrInvalidType = errors.New("trackkit: invalid event type")

	// ErrUnsupportedValue is returned when a property value cannot be
	// represented as a JSON-compatible scalar, map, or list.
	ErrUnsupportedValue = errors.New("trackkit: unsupported property value")

	// ErrInvalidConfig is returned when required configuration is missing.
	ErrInvalidConfig = errors.New("trackkit: invalid configuration")

	// errCorruptKey marks a storage key that cannot be decoded. Corrupt
	// records are skipped and deleted, never surfaced to callers.
	errCorruptKey = errors.New("trackkit: corrupt storage key")
)

// ErrorKind classifies a delivery failure. The kind determines whether
// the pipeline re-queues the affected events or drops them.
type ErrorKind int

const (
	// ErrorKindNone means the attempt succeeded.
	ErrorKindNone ErrorKind = iota

	// ErrorKindNoConnectivity means the collector was unreachable.
	ErrorKindNoConnectivity

	// ErrorKindTimeout means the request exceeded its deadline.
	ErrorKindTimeout

	// ErrorKindInvalidURL means the configured endpoint cannot be parsed.
	ErrorKindInvalidURL

	// ErrorKindUnauthorized maps HTTP 401.
	ErrorKindUnauthorized

	// ErrorKindForbidden maps HTTP 403.
	ErrorKindForbidden

	// ErrorKindNotFound maps HTTP 404.
	ErrorKindNotFound

	// ErrorKindPayloadTooLarge maps HTTP 413.
	ErrorKindPayloadTooLarge

	// ErrorKindRateLimited maps HTTP 429.
	ErrorKindRateLimited

	// ErrorKindServerError maps HTTP 5xx.
	ErrorKindServerError

	// ErrorKindPayloadEncoding means the payload could not be serialized.
	// Never retryable: resending an unserializable payload cannot succeed.
	ErrorKindPayloadEncoding

	// ErrorKindHTTPStatus is the catch-all for other non-2xx codes.
	ErrorKindHTTPStatus

	// ErrorKindCancelled means the attempt was cancelled by the caller.
	ErrorKindCancelled
)

// String returns a short name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindNoConnectivity:
		return "no_connectivity"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindInvalidURL:
		return "invalid_url"
	case ErrorKindUnauthorized:
		return "unauthorized"
	case ErrorKindForbidden:
		return "forbidden"
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindPayloadTooLarge:
		return "payload_too_large"
	case ErrorKindRateLimited:
		return "rate_limited"
	case ErrorKindServerError:
		return "server_error"
	case ErrorKindPayloadEncoding:
		return "payload_encoding"
	case ErrorKindHTTPStatus:
		return "http_status"
	case ErrorKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DeliveryError describes a classified delivery failure.
type DeliveryError struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// StatusCode is the HTTP status, if the collector responded.
	StatusCode int

	// Err is the underlying transport or encoding error, if any.
	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("trackkit: delivery failed (%s): %v", e.Kind, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("trackkit: delivery failed (%s): status %d", e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("trackkit: delivery failed (%s)", e.Kind)
	}
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-sending the same payload can plausibly
// succeed. Transport failures and 5xx/429 responses are retryable;
// client errors, malformed URLs, and encoding failures are not.
func (e *DeliveryError) Retryable() bool {
	switch e.Kind {
	case ErrorKindNoConnectivity, ErrorKindTimeout, ErrorKindRateLimited, ErrorKindServerError:
		return true
	}
	return false
}

// Droppable reports whether the affected events must be dropped
// instead of re-queued: a payload the collector rejects as too large,
// or one that cannot be serialized at all, fails identically on every
// resend.
func (e *DeliveryError) Droppable() bool {
	switch e.Kind {
	case ErrorKindPayloadTooLarge, ErrorKindPayloadEncoding:
		return true
	}
	return false
}

// classifyStatus maps a non-2xx HTTP status code to a DeliveryError.
func classifyStatus(status int) *DeliveryError {
	kind := ErrorKindHTTPStatus
	switch {
	case status == 401:
		kind = ErrorKindUnauthorized
	case status == 403:
		kind = ErrorKindForbidden
	case status == 404:
		kind = ErrorKindNotFound
	case status == 413:
		kind = ErrorKindPayloadTooLarge
	case status == 429:
		kind = ErrorKindRateLimited
	case status >= 500 && status <= 599:
		kind = ErrorKindServerError
	}
	return &DeliveryError{Kind: kind, StatusCode: status}
}

// classifyTransport maps a failed round trip to a DeliveryError.
// Malformed URLs are rejected before the round trip, so anything
// arriving here is a timeout, a cancellation, or a connectivity loss.
func classifyTransport(err error) *DeliveryError {
	kind := ErrorKindNoConnectivity

	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrorKindTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		kind = ErrorKindTimeout
	}

	return &DeliveryError{Kind: kind, Err: err}
}
