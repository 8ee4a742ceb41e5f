package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the orchestration core.
type ErrorKind string

const (
	KindCapacityExceeded      ErrorKind = "capacity_exceeded"       // KindCapacityExceeded means the pool is full and nothing is evictable.
	KindProfileLockContention ErrorKind = "profile_lock_contention" // KindProfileLockContention means the requested profile is held elsewhere.
	KindAuthRequired          ErrorKind = "auth_required"           // KindAuthRequired means the profile is not logged in.
	KindRateLimited           ErrorKind = "rate_limited"            // KindRateLimited means the remote service refused further queries.
	KindSurfaceCrashed        ErrorKind = "surface_crashed"         // KindSurfaceCrashed means the browser surface died during an interaction.
	KindSurfaceUnrecoverable  ErrorKind = "surface_unrecoverable"   // KindSurfaceUnrecoverable means recovery was attempted and failed.
	KindTimeout               ErrorKind = "timeout"                 // KindTimeout means the interaction exceeded its deadline.
	KindNotFound              ErrorKind = "not_found"               // KindNotFound means the session or profile does not exist.
	KindInvalidInput          ErrorKind = "invalid_input"           // KindInvalidInput means the caller supplied unusable arguments.
)

// Sentinels for errors.Is matching against a *Error of the same kind.
var (
	ErrCapacityExceeded      = &Error{Kind: KindCapacityExceeded}
	ErrProfileLockContention = &Error{Kind: KindProfileLockContention}
	ErrAuthRequired          = &Error{Kind: KindAuthRequired}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrSurfaceCrashed        = &Error{Kind: KindSurfaceCrashed}
	ErrSurfaceUnrecoverable  = &Error{Kind: KindSurfaceUnrecoverable}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
)

var defaultHints = map[ErrorKind]string{
	KindCapacityExceeded:      "close idle sessions or raise max_sessions",
	KindProfileLockContention: "close the session holding the profile or use the isolated profile strategy",
	KindAuthRequired:          "run setup_auth and complete the login in the browser window",
	KindRateLimited:           "wait for the quota to reset or switch to another account with re_auth",
	KindSurfaceCrashed:        "retry the request",
	KindSurfaceUnrecoverable:  "the session was closed; retry to start a fresh session",
	KindTimeout:               "retry the request or raise browser_timeout",
	KindNotFound:              "call list_sessions to see the active sessions",
	KindInvalidInput:          "check the request arguments",
}

// Error is the structured failure type returned across component boundaries.
// It always names the affected session and/or profile and carries a
// remediation hint for the caller.
type Error struct {
	Kind      ErrorKind
	SessionID string
	ProfileID string
	Hint      string
	Err       error
}

// NewError builds an Error of the given kind with the default hint.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Hint: defaultHints[kind], Err: err}
}

// Errorf builds an Error of the given kind from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return NewError(kind, fmt.Errorf(format, args...))
}

// WithSession returns a copy of e naming the session.
func (e *Error) WithSession(id string) *Error {
	c := *e
	c.SessionID = id
	return &c
}

// WithProfile returns a copy of e naming the profile.
func (e *Error) WithProfile(id string) *Error {
	c := *e
	c.ProfileID = id
	return &c
}

// WithHint returns a copy of e with a different remediation hint.
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.SessionID != "" {
		fmt.Fprintf(&b, " [session %s]", e.SessionID)
	}
	if e.ProfileID != "" {
		fmt.Fprintf(&b, " [profile %s]", e.ProfileID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (hint: %s)", e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HintOf returns the remediation hint of the first *Error in err's chain.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}
