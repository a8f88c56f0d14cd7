package reconcile

import (
	"errors"
	"fmt"
)

// Kind classifies why a reconciliation run failed.
type Kind string

const (
	KindInvalidAdapter    Kind = "InvalidAdapter"
	KindQueryFailed       Kind = "QueryFailed"
	KindNotFound          Kind = "NotFound"
	KindUnknownState      Kind = "UnknownState"
	KindUnknownDriver     Kind = "UnknownDriver"
	KindInvalidTransition Kind = "InvalidTransition"
	KindCommandFailed     Kind = "CommandFailed"
)

// Error is returned for every failed run. All failures are fatal; the
// caller decides how to report them.
type Error struct {
	Kind    Kind
	Adapter string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Adapter != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Adapter)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidAdapter    = &Error{Kind: KindInvalidAdapter}
	ErrQueryFailed       = &Error{Kind: KindQueryFailed}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnknownState      = &Error{Kind: KindUnknownState}
	ErrUnknownDriver     = &Error{Kind: KindUnknownDriver}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrCommandFailed     = &Error{Kind: KindCommandFailed}
)

// KindOf returns the kind of a reconciliation error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
