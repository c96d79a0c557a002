package models

import (
	"errors"
	"fmt"
)

// Base error kinds. Every error surfaced by the poll engine wraps one of them.
var (
	ErrTransient  = errors.New("transient")
	ErrValidation = errors.New("validation")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
)

var (
	ErrAlreadyVoted       = fmt.Errorf("%w: user has already voted", ErrConflict)
	ErrPollExpired        = fmt.Errorf("%w: poll has expired", ErrConflict)
	ErrSubmissionInFlight = fmt.Errorf("%w: a vote for this poll is already being submitted", ErrConflict)

	ErrInvalidOption    = fmt.Errorf("%w: invalid option for this poll", ErrValidation)
	ErrInvalidPoll      = fmt.Errorf("%w: invalid poll", ErrValidation)
	ErrPollNotLoaded    = fmt.Errorf("%w: poll is not loaded", ErrValidation)
	ErrNotAuthenticated = fmt.Errorf("%w: credential required", ErrForbidden)

	ErrPollNotFound = fmt.Errorf("%w: poll not found", ErrNotFound)

	ErrNotConnected       = fmt.Errorf("%w: channel not connected", ErrTransient)
	ErrReconnectExhausted = fmt.Errorf("%w: reconnect attempts exhausted", ErrTransient)
)

// ErrorKind classifies errors for the view layer.
type ErrorKind string

const (
	KindUnknown    ErrorKind = "unknown"
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindForbidden  ErrorKind = "forbidden"
)

// KindOf returns the kind of err, or KindUnknown when it wraps none of the
// base errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether err may be retried automatically at the
// transport layer.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Error codes carried in directory error responses.
const (
	CodeAlreadyVoted  = "already_voted"
	CodePollExpired   = "poll_expired"
	CodeInvalidOption = "invalid_option"
	CodeValidation    = "validation"
	CodeConflict      = "conflict"
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"
)

// ErrorCode maps err onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyVoted):
		return CodeAlreadyVoted
	case errors.Is(err, ErrPollExpired):
		return CodePollExpired
	case errors.Is(err, ErrInvalidOption):
		return CodeInvalidOption
	case errors.Is(err, ErrNotAuthenticated):
		return CodeUnauthorized
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// ErrorForCode rebuilds a classified error from a wire code and message.
func ErrorForCode(code, message string) error {
	switch code {
	case CodeAlreadyVoted:
		return ErrAlreadyVoted
	case CodePollExpired:
		return ErrPollExpired
	case CodeInvalidOption:
		return ErrInvalidOption
	case CodeUnauthorized:
		return ErrNotAuthenticated
	case CodeValidation:
		return fmt.Errorf("%w: %s", ErrValidation, message)
	case CodeConflict:
		return fmt.Errorf("%w: %s", ErrConflict, message)
	case CodeNotFound:
		return ErrPollNotFound
	case CodeForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, message)
	default:
		return fmt.Errorf("%w: %s", ErrTransient, message)
	}
}
