package gateway

import (
	"errors"
	"fmt"
)

// Error classes for gateway calls.
// Callers use errors.Is() against these instead of inspecting status codes.
var (
	// ErrNetwork indicates no response was received (dial failure, reset, timeout).
	ErrNetwork = errors.New("network error")

	// ErrServerRejected indicates a non-success status with a structured message.
	ErrServerRejected = errors.New("server rejected request")

	// ErrMalformedResponse indicates a success status with an undecodable body.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrStaleResponse marks a response that belongs to a superseded request.
	// It is a discard signal and never shown to users.
	ErrStaleResponse = errors.New("stale response")
)

// RejectedError carries the status and server message of a rejected request
type RejectedError struct {
	Op      string
	Message string
	Status  int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s (%d): %s", e.Op, ErrServerRejected, e.Status, e.Message)
}

// Unwrap allows errors.Is(err, ErrServerRejected)
func (e *RejectedError) Unwrap() error {
	return ErrServerRejected
}

// Class returns the short label of the error class, used for metrics and logs
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleResponse):
		return "stale"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrServerRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "other"
	}
}

// IsRecoverable reports whether the failure is one a user can retry by
// repeating the action
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServerRejected) || errors.Is(err, ErrMalformedResponse)
}

// UserMessage returns a short message suitable for a toast or inline notice.
// Server messages are passed through for rejected requests.
func UserMessage(err error) string {
	var rej *RejectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rej) && rej.Message != "":
		return rej.Message
	case errors.Is(err, ErrServerRejected):
		return "The server rejected this action. Please try again."
	case errors.Is(err, ErrNetwork):
		return "Network problem. Check your connection and try again."
	case errors.Is(err, ErrMalformedResponse):
		return "Unexpected response from the server. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
