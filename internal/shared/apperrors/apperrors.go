package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrAuthInvalid        = errors.New("auth token invalid or expired")
	ErrAuthUnknown        = errors.New("auth token references unknown driver")
	ErrNoActiveAssignment = errors.New("no active assignment for driver and bus")
	ErrInvalidCoord       = errors.New("coordinates out of range")
	ErrInvalidSpeed       = errors.New("speed out of range")
	ErrInvalidHeading     = errors.New("heading out of range")
	ErrBadRange           = errors.New("radius out of range")
	ErrStoreUnavailable   = errors.New("state store unavailable")
	ErrNotFound           = errors.New("not found")
)

// KindOf returns the wire name carried in *:error socket payloads and in
// read-API error bodies.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrAuthInvalid):
		return "AuthInvalid"
	case errors.Is(err, ErrAuthUnknown):
		return "AuthUnknown"
	case errors.Is(err, ErrNoActiveAssignment):
		return "NoActiveAssignment"
	case errors.Is(err, ErrInvalidCoord):
		return "InvalidCoord"
	case errors.Is(err, ErrInvalidSpeed):
		return "InvalidSpeed"
	case errors.Is(err, ErrInvalidHeading):
		return "InvalidHeading"
	case errors.Is(err, ErrBadRange):
		return "BadRange"
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	}
	return "Internal"
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthInvalid), errors.Is(err, ErrAuthUnknown):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoActiveAssignment):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidCoord),
		errors.Is(err, ErrInvalidSpeed),
		errors.Is(err, ErrInvalidHeading),
		errors.Is(err, ErrBadRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
