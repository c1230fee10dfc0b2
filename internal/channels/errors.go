package channels

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a provider failure.
type FailureKind string

const (
	FailureRateLimited      FailureKind = "rate_limited"
	FailureAuthInvalid      FailureKind = "auth_invalid"
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureRemoteRejected   FailureKind = "remote_rejected"
	FailureTransport        FailureKind = "transport"
)

// DefaultRetryAfter applies when a rate-limited response carries no usable
// Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// SendError marks provider failures with classification metadata.
type SendError struct {
	Kind       FailureKind
	RetryAfter time.Duration
	Code       string
	Message    string
	err        error
}

func (e *SendError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Kind == FailureRateLimited:
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	case e.Code != "":
		return fmt.Sprintf("%s: %s (code %s)", e.Kind, e.Message, e.Code)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Permanent reports whether retrying cannot succeed without operator action.
func (e *SendError) Permanent() bool {
	return e != nil && (e.Kind == FailureAuthInvalid || e.Kind == FailurePermissionDenied)
}

func NewRateLimitedError(retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &SendError{Kind: FailureRateLimited, RetryAfter: retryAfter, Message: "rate limit exceeded"}
}

func NewAuthInvalidError(message string) error {
	return &SendError{Kind: FailureAuthInvalid, Message: message}
}

func NewPermissionDeniedError(message string) error {
	return &SendError{Kind: FailurePermissionDenied, Message: message}
}

func NewRemoteRejectedError(code, message string) error {
	return &SendError{Kind: FailureRemoteRejected, Code: code, Message: message}
}

// NewTransportError wraps a network-level failure such as a timeout.
func NewTransportError(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Kind: FailureTransport, Message: err.Error(), err: err}
}

// AsSendError extracts a *SendError from err.
func AsSendError(err error) (*SendError, bool) {
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		return nil, false
	}
	return sendErr, true
}

// RetryAfter reports the deferral requested by a rate-limited failure.
func RetryAfter(err error) (time.Duration, bool) {
	sendErr, ok := AsSendError(err)
	if !ok || sendErr.Kind != FailureRateLimited {
		return 0, false
	}
	return sendErr.RetryAfter, true
}

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool {
	sendErr, ok := AsSendError(err)
	return ok && sendErr.Permanent()
}
