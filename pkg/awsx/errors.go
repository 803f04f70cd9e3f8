// Package awsx adapts the AWS control plane for ladpipe: it resolves the
// operating region and classifies remote-call failures into a typed taxonomy
// the retry executor can switch on.
package awsx

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrorKind classifies a failure for retry and reporting decisions.
type ErrorKind string

const (
	// KindTransient indicates rate limiting or throttling by the remote
	// API. The call may succeed if retried after a backoff.
	KindTransient ErrorKind = "transient"

	// KindFatalConfig indicates an invalid local configuration. Raised
	// before any remote call is made, never retried.
	KindFatalConfig ErrorKind = "fatal_config"

	// KindFatalRemote indicates a non-recoverable remote failure:
	// permission denied, malformed input, or a response the SDK could not
	// deserialize. Never retried.
	KindFatalRemote ErrorKind = "fatal_remote"
)

// RemoteError is a classified failure from a remote call or from request
// validation. The Kind is populated by the transport adapter; downstream
// code must never re-classify from message text.
type RemoteError struct {
	// Kind is the classification used by the retry executor.
	Kind ErrorKind

	// Op names the remote operation, e.g. "cloudwatchlogs.FilterLogEvents".
	Op string

	// Code is the remote API error code when one was returned.
	Code string

	// Err is the underlying error, kept verbatim for diagnosability.
	Err error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s (%s): %v", e.Kind, e.Op, e.Code, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is matches on Kind and Code so sentinel comparisons work with errors.Is.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// throttlingCodes are the API error codes AWS services use to signal rate
// limiting. Anything else is fatal for the owning task.
var throttlingCodes = map[string]bool{
	"Throttling":                true,
	"ThrottlingException":       true,
	"ThrottledException":        true,
	"RequestThrottled":          true,
	"RequestThrottledException": true,
	"RequestLimitExceeded":      true,
	"TooManyRequestsException":  true,
	"LimitExceededException":    true,
	"SlowDown":                  true,
	"EC2ThrottledException":     true,
}

// Classify wraps a remote-call failure in a RemoteError with its kind
// populated from the API error code. A nil error classifies to nil. An
// already classified error passes through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := KindFatalRemote
		if throttlingCodes[apiErr.ErrorCode()] {
			kind = KindTransient
		}
		return &RemoteError{Kind: kind, Op: op, Code: apiErr.ErrorCode(), Err: err}
	}

	// Transport-level and deserialization failures carry no API code.
	return &RemoteError{Kind: KindFatalRemote, Op: op, Err: err}
}

// NewConfigError creates a fatal configuration error. It is raised before
// any remote call and never retried.
func NewConfigError(format string, args ...any) error {
	return &RemoteError{Kind: KindFatalConfig, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or KindFatalRemote when the
// error carries no classification.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindFatalRemote
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsConfig returns true if the error is a fatal configuration error.
func IsConfig(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind == KindFatalConfig
	}
	return false
}
