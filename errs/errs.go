// Package errs defines the stable error taxonomy shared by every saltcore
// component (transport, crypto, auth, dispatch, user-facing, internal).
package errs

import "fmt"

// Code is a stable identifier for an error kind, suitable for log lines and
// metric labels.
type Code string

const (
	// Transport errors.
	CodeDisconnected      Code = "Disconnected"
	CodeTimeout           Code = "Timeout"
	CodeTransportReset    Code = "TransportReset"
	CodeFrameTooLarge     Code = "FrameTooLarge"
	CodeProtocolViolation Code = "ProtocolViolation"

	// Crypto errors.
	CodeBadSignature  Code = "BadSignature"
	CodeBadHmac       Code = "BadHmac"
	CodeUndecryptable Code = "Undecryptable"
	CodeUnknownSender Code = "UnknownSender"

	// Auth errors.
	CodePending          Code = "Pending"
	CodeRejected         Code = "Rejected"
	CodeDenied           Code = "Denied"
	CodeMasterNotTrusted Code = "MasterNotTrusted"

	// Dispatch errors.
	CodeNoSuchFunction Code = "NoSuchFunction"
	CodeBadArguments   Code = "BadArguments"
	CodeJobNotFound    Code = "JobNotFound"
	CodeJidCollision   Code = "JidCollision"

	// User errors.
	CodeNotAuthorized Code = "NotAuthorized"
	CodeInvalidTarget Code = "InvalidTarget"

	// Internal errors.
	CodeCacheFull      Code = "CacheFull"
	CodeQueueOverflow  Code = "QueueOverflow"
	CodeShutdown       Code = "Shutdown"

	// Key store errors.
	CodeKeyNotFound Code = "KeyNotFound"
	CodeInvalidKeyID Code = "InvalidKeyID"
)

// Error is a structured error carrying a stable Code, a human message, and
// optional key/value Details, with an optional wrapped Cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code and message, wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a key/value pair to the error and returns it for
// chaining.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Is reports whether target is an *Error with the same Code, so callers can
// use errors.Is(err, errs.New(errs.CodeTimeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if se == nil {
		return "", false
	}
	return se.Code, true
}

// Retryable reports whether the error's code is one that callers should
// retry per the recovery policy in the error handling design: Pending and
// JidCollision are retried by their respective callers; transport errors
// are retried by the transport layer's own backoff loop.
func Retryable(code Code) bool {
	switch code {
	case CodePending, CodeJidCollision, CodeDisconnected, CodeTimeout, CodeTransportReset:
		return true
	default:
		return false
	}
}
