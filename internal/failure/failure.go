package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry decisions and for the stable
// failure-reason codes surfaced to callers.
type Kind string

const (
	// Transient kinds: the call may succeed if re-attempted.
	KindTimeout      Kind = "Timeout"
	KindRateLimited  Kind = "RateLimited"
	KindProviderBusy Kind = "ProviderBusy"

	// Permanent kinds: re-attempting cannot help.
	KindMalformedInput Kind = "MalformedInput"
	KindNotFound       Kind = "NotFound"
	KindAuthRejected   Kind = "AuthRejected"

	// Terminal outcomes produced by the orchestration layer itself.
	KindRetriesExhausted  Kind = "RetriesExhausted"
	KindRateLimitExceeded Kind = "RateLimitExceeded"
	KindValidationFailed  Kind = "ValidationFailed"
	KindAllSourcesFailed  Kind = "AllSourcesFailed"
	KindCancelled         Kind = "Cancelled"

	// KindUnknown is assigned to errors that carry no classification.
	KindUnknown Kind = "Unknown"
)

// Transient reports whether a failure of this kind is worth re-attempting.
// Unclassified errors count as transient: the dominant unclassified case is
// a network hiccup, and the retry budget bounds the cost of being wrong.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindProviderBusy, KindUnknown:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified failure from a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a classification to an existing error. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification of err. Context errors map to
// Timeout/Cancelled; anything unclassified maps to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Transient reports whether err should be re-attempted.
func Transient(err error) bool {
	k := KindOf(err)
	if k == KindCancelled {
		return false
	}
	return k.Transient()
}

// Reason returns the stable failure-reason code for err, suitable for
// returning to callers in place of raw internal errors.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return string(KindOf(err))
}

// FromHTTPStatus maps an HTTP response status to a failure kind. Statuses
// outside the mapped set classify as Unknown so they stay retryable.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == 400 || status == 422:
		return KindMalformedInput
	case status == 401 || status == 403:
		return KindAuthRejected
	case status == 404 || status == 410:
		return KindNotFound
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimited
	case status == 503 || status == 502 || status == 504:
		return KindProviderBusy
	case status >= 500:
		return KindProviderBusy
	}
	return KindUnknown
}
