// Package engineerr defines the closed error taxonomy used across the engine.
//
// Every fallible call returns either nil or a *Error built from one of the
// constructors below. Call sites branch on Code, never on the formatted
// message text.
package engineerr

import (
	"errors"
	"fmt"
)

// Code is a closed set of engine-level error classifications.
type Code string

const (
	ConfigInvalid        Code = "config-invalid"
	Auth                 Code = "auth"
	TransientNetwork     Code = "transient-network"
	RateLimited          Code = "rate-limited"
	Banned               Code = "banned"
	InvalidParam         Code = "invalid-param"
	InsufficientBalance  Code = "insufficient-balance"
	ReduceOnlyRejected   Code = "reduce-only-rejected"
	OrderNotFound        Code = "order-not-found"
	PositionNotFound     Code = "position-not-found"
	StoreBusy            Code = "store-busy"
	StreamDisconnected   Code = "stream-disconnected"
	ConsistencyViolation Code = "consistency-violation"
	UnknownVenue         Code = "unknown-venue"
)

// retryable reports whether a Code is, by policy, safe to retry locally with
// bounded backoff. See SPEC_FULL.md §7.
var retryable = map[Code]bool{
	TransientNetwork: true,
	RateLimited:      true,
	StoreBusy:        true,
}

// Error is the concrete error type carried by the engine's typed taxonomy.
type Error struct {
	Code      Code
	Retryable bool
	VenueCode int // 0 when the error did not originate from a venue response
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Code equality between two *Error values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func new(code Code, msg string, venueCode int, cause error) *Error {
	return &Error{
		Code:      code,
		Retryable: retryable[code],
		VenueCode: venueCode,
		Msg:       msg,
		Cause:     cause,
	}
}

func ConfigInvalidf(format string, args ...any) *Error {
	return new(ConfigInvalid, fmt.Sprintf(format, args...), 0, nil)
}

func AuthError(msg string, cause error) *Error { return new(Auth, msg, 0, cause) }

func Transient(msg string, cause error) *Error { return new(TransientNetwork, msg, 0, cause) }

func RateLimitedErr(msg string, cause error) *Error { return new(RateLimited, msg, 0, cause) }

func BannedUntil(msg string, cause error) *Error { return new(Banned, msg, 0, cause) }

func InvalidParamVenue(msg string, venueCode int, cause error) *Error {
	return new(InvalidParam, msg, venueCode, cause)
}

func InsufficientBalanceVenue(msg string, venueCode int, cause error) *Error {
	return new(InsufficientBalance, msg, venueCode, cause)
}

func ReduceOnlyRejectedVenue(msg string, venueCode int, cause error) *Error {
	return new(ReduceOnlyRejected, msg, venueCode, cause)
}

func OrderNotFoundVenue(msg string, venueCode int, cause error) *Error {
	return new(OrderNotFound, msg, venueCode, cause)
}

func PositionNotFoundVenue(msg string, venueCode int, cause error) *Error {
	return new(PositionNotFound, msg, venueCode, cause)
}

func StoreBusyErr(msg string, cause error) *Error { return new(StoreBusy, msg, 0, cause) }

func StreamDisconnectedErr(msg string, cause error) *Error {
	return new(StreamDisconnected, msg, 0, cause)
}

func ConsistencyViolationf(format string, args ...any) *Error {
	return new(ConsistencyViolation, fmt.Sprintf(format, args...), 0, nil)
}

func UnknownVenueErr(msg string, venueCode int, cause error) *Error {
	return new(UnknownVenue, msg, venueCode, cause)
}

// FromVenueCode maps a Binance-style numeric error code to a typed Error.
// Unrecognized codes fall back to UnknownVenue so callers never need to
// string-match on a raw API message.
func FromVenueCode(code int, msg string, cause error) *Error {
	switch code {
	case -1021, -1022, -2014, -2015:
		return AuthError(msg, cause)
	case -1003:
		return RateLimitedErr(msg, cause)
	case -1106, -1100, -4003, -4164:
		return InvalidParamVenue(msg, code, cause)
	case -2018, -2019:
		return InsufficientBalanceVenue(msg, code, cause)
	case -2022:
		return ReduceOnlyRejectedVenue(msg, code, cause)
	case -2013:
		return OrderNotFoundVenue(msg, code, cause)
	case -4161, -2023:
		return PositionNotFoundVenue(msg, code, cause)
	default:
		return UnknownVenueErr(msg, code, cause)
	}
}

// Retryable reports whether err (at any wrap depth) carries a retryable Code.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// As extracts the *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
