package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the closed set of adapter failure kinds.
type ErrorKind string

const (
	KindInvalidConfig  ErrorKind = "invalid_config"
	KindInvalidTorrent ErrorKind = "invalid_torrent"
	KindNotFound       ErrorKind = "not_found"
	KindAPIError       ErrorKind = "api_error"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidConfig  = &Error{Kind: KindInvalidConfig}
	ErrInvalidTorrent = &Error{Kind: KindInvalidTorrent}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrAPIError       = &Error{Kind: KindAPIError}
)

// Error is the only error type that crosses the adapter boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// AsError converts err into an *Error. Typed errors pass through,
// deadline expiry and anything else become api_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindAPIError, err, "request timed out")
	}
	return WrapError(KindAPIError, err, "%s", err.Error())
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}
