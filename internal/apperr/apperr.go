// Package apperr defines the error kinds surfaced by the live messaging core.
// Every dispatcher action reports one of these kinds; the connection layer turns
// them into message_error events for the originating client only.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindPersistence    Kind = "persistence"
	KindDelivery       Kind = "delivery"
	KindInternal       Kind = "internal"
)

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.message(), e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.message())
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.message(), e.Err)
	}
	return e.message()
}

func (e *Error) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.ErrNotFound) works
// for any not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Public returns the text safe to send to a client. Causes are never exposed.
func (e *Error) Public() string {
	return e.message()
}

// Sentinels for errors.Is checks.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrDelivery       = &Error{Kind: KindDelivery}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Authentication(op, msg string, err error) *Error {
	return Wrap(KindAuthentication, op, msg, err)
}

func Authorization(op, msg string) *Error { return New(KindAuthorization, op, msg) }

func NotFound(op, msg string) *Error { return New(KindNotFound, op, msg) }

func Validation(op, msg string) *Error { return New(KindValidation, op, msg) }

func Persistence(op string, err error) *Error {
	return Wrap(KindPersistence, op, "storage failure", err)
}

func Delivery(op string, err error) *Error {
	return Wrap(KindDelivery, op, "delivery failed", err)
}

// KindOf extracts the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns a client-safe description of err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Public()
	}
	return "internal error"
}
