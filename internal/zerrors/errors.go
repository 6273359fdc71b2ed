// Package zerrors defines the typed error kinds clients and the state
// server use to classify failures: transport problems, deadlines,
// missing configuration, missing keys, user handler failures, and
// protocol violations.
package zerrors

import (
	"errors"
	"fmt"
)

// Kind tags the category of a failure. Callers switch on Kind (or use
// Is/As) rather than matching error strings.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindTimeout       Kind = "timeout"
	KindNotConfigured Kind = "not_configured"
	KindKeyMissing    Kind = "key_missing"
	KindUser          Kind = "user"
	KindProtocol      Kind = "protocol"
)

// Error is the concrete error type carried over the wire and returned to
// callers. Message is the human-readable summary; Detail carries
// additional context (for KindUser, an opaque string such as a recovered
// panic's stack trace).
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, zerrors.Transport("")) style sentinels, but
// more idiomatically should use errors.As and inspect Kind directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Transport(format string, args ...any) *Error {
	return newf(KindTransport, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return newf(KindTimeout, format, args...)
}

func NotConfigured(format string, args ...any) *Error {
	return newf(KindNotConfigured, format, args...)
}

func KeyMissing(key string) *Error {
	return newf(KindKeyMissing, "key %q not present", key)
}

// User wraps a failure raised inside an ATOMIC handler or a dispatched
// task. detail is an opaque string (e.g. a recovered panic's stack).
func User(message, detail string) *Error {
	return &Error{Kind: KindUser, Message: message, Detail: detail}
}

func Protocol(format string, args ...any) *Error {
	return newf(KindProtocol, format, args...)
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
