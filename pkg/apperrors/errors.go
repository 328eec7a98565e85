// Package apperrors is the error taxonomy shared by the sync layer and its HTTP surface.
//
// Every error a user action can produce is an *Error with a Kind. The Message of a remote or auth
// failure is the backend's text, passed through untouched so the UI can show it as-is.
package apperrors

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindAuthFailure       Kind = "auth_failure"
	KindValidation        Kind = "validation_failure"
	KindStaleSelection    Kind = "stale_selection"
	KindNotFound          Kind = "not_found"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrAuthFailure) works on wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is.
var (
	ErrRemoteUnavailable = &Error{Kind: KindRemoteUnavailable}
	ErrAuthFailure       = &Error{Kind: KindAuthFailure}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrStaleSelection    = &Error{Kind: KindStaleSelection}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

func RemoteUnavailable(op string, err error) *Error {
	return &Error{Kind: KindRemoteUnavailable, Op: op, Message: rawMessage(err), Err: err}
}

func AuthFailure(op, message string) *Error {
	return &Error{Kind: KindAuthFailure, Op: op, Message: message}
}

func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func StaleSelection(op, message string) *Error {
	return &Error{Kind: KindStaleSelection, Op: op, Message: message}
}

func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// StatusCoder is implemented by remote errors that carry an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// FromRemote classifies an error returned by a remote store or provider call.
// 401/403 become AuthFailure, everything else RemoteUnavailable. Already classified errors pass through.
func FromRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindAuthFailure, Op: op, Message: rawMessage(err), Err: err}
		}
	}
	return RemoteUnavailable(op, err)
}

// KindOf returns the Kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// UserMessage returns the text to show for err: the raw message when classified.
func UserMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// rawMessage unwraps to the remote's own message when it exposes one.
func rawMessage(err error) string {
	if err == nil {
		return ""
	}
	var m interface{ RemoteMessage() string }
	if errors.As(err, &m) {
		return m.RemoteMessage()
	}
	return err.Error()
}
