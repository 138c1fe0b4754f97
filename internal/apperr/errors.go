// Package apperr defines the error taxonomy shared by the relay components and
// the client session. Errors are plain sentinels wrapped with fmt.Errorf, so
// callers test them with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrDelivery          = errors.New("delivery failed")
	ErrTargetUnavailable = errors.New("target unavailable")
	ErrTransportFailure  = errors.New("transport failure")
	ErrInvalid           = errors.New("invalid request")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Wire codes, stable across releases.
const (
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeDelivery          = "delivery_failed"
	CodeTargetUnavailable = "target_unavailable"
	CodeTransportFailure  = "transport_failure"
	CodeInvalid           = "invalid"
	CodeForbidden         = "forbidden"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrDelivery, CodeDelivery, http.StatusBadGateway},
	{ErrTargetUnavailable, CodeTargetUnavailable, http.StatusServiceUnavailable},
	{ErrTransportFailure, CodeTransportFailure, http.StatusBadGateway},
	{ErrInvalid, CodeInvalid, http.StatusBadRequest},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func Delivery(format string, args ...any) error {
	return wrap(ErrDelivery, format, args...)
}

func TargetUnavailable(format string, args ...any) error {
	return wrap(ErrTargetUnavailable, format, args...)
}

func TransportFailure(format string, args ...any) error {
	return wrap(ErrTransportFailure, format, args...)
}

func Invalid(format string, args ...any) error {
	return wrap(ErrInvalid, format, args...)
}

func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return wrap(ErrUnauthorized, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// Code returns the wire code for err, or CodeInternal when err is not part of
// the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps err to the status code handlers respond with.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// FromCode rebuilds an error received over the wire so errors.Is keeps working
// on the client side.
func FromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			return fmt.Errorf("%s: %w", message, c.err)
		}
	}
	return errors.New(message)
}

// Message returns the text shown to clients. Internal errors are not leaked.
func Message(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
