// Package evalerr defines the error-kind taxonomy shared across the
// pipeline, so callers can classify a failure without string-matching.
package evalerr

import "errors"

// Kind enumerates the error categories from the design's error-handling
// policy. It is attached to errors via New or Wrap and checked with Is.
type Kind string

const (
	KindConfig              Kind = "config_error"
	KindTransport            Kind = "transport_error"
	KindAdmissionRateLimit  Kind = "admission_rejected_rate"
	KindAdmissionQueueFull  Kind = "admission_rejected_queue_full"
	KindSandboxTimeout      Kind = "sandbox_timeout"
	KindSandboxResourceUsed Kind = "sandbox_resource_exhausted"
	KindSandboxUserError    Kind = "sandbox_user_error"
	KindHTTPBudgetExceeded  Kind = "http_budget_exceeded"
	KindHTTPBodyTooLarge    Kind = "http_body_too_large"
	KindPostReply           Kind = "post_reply_error"
)

// Error wraps an underlying cause with a stable Kind so callers can branch
// on category (e.g. "is this a sandbox error the user should see?").
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error of the given kind wrapping msg as a plain error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or any error in its chain) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsUserVisible reports whether the kind should be surfaced to the end user
// as an "Error: ..." reply, per the design's error policy: all Sandbox* and
// HTTP* kinds are user-visible; Admission* and Transport are not.
func IsUserVisible(kind Kind) bool {
	switch kind {
	case KindSandboxTimeout, KindSandboxResourceUsed, KindSandboxUserError,
		KindHTTPBudgetExceeded, KindHTTPBodyTooLarge:
		return true
	default:
		return false
	}
}
