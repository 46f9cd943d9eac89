// Package apperr defines the error taxonomy shared by the density pipeline
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
	KindNotFound    Kind = "not_found"
)

// Rate limit reasons.
const (
	ReasonCooldown    = "cooldown"
	ReasonRateLimited = "rate-limited"
	ReasonLocked      = "locked"
)

type Error struct {
	Kind        Kind
	Message     string
	Reason      string
	LockedUntil *time.Time
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func RateLimited(reason, message string) *Error {
	return &Error{Kind: KindRateLimited, Reason: reason, Message: message}
}

// Locked reports a zone change attempted before lockedUntil.
func Locked(lockedUntil time.Time) *Error {
	until := lockedUntil.UTC()
	return &Error{
		Kind:        KindRateLimited,
		Reason:      ReasonLocked,
		Message:     "Zone change locked",
		LockedUntil: &until,
	}
}

// Upstream wraps a store failure. The wrapped error is kept for logs only.
func Upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Message: "Upstream unavailable, retry later", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
