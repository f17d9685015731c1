// Package apperrors defines the structured error taxonomy shared by every
// core package and by the HTTP and CLI surfaces built on top of them.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of failure. Pure verify/validate functions
// never panic; they return a Kind-tagged error (or a typed result carrying
// one) so callers can branch on category without string matching.
type Kind string

const (
	KindUsage               Kind = "usage"
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation"
	KindCrypto              Kind = "crypto"
	KindExpiry              Kind = "expiry"
	KindNetwork             Kind = "network"
	KindServerError         Kind = "server_error"
	KindConstraintViolation Kind = "constraint_violation"
)

// AppError is the structured error type propagated out of side-effecting
// commands. Pure functions generally return a typed result instead (see
// e.g. verifier.Result, freshness.Result) but wrap the same Kind values.
type AppError struct {
	Kind    Kind
	Message string
	Detail  string
	Cause   error
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Wrap(cause error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(detail string) *AppError {
	e.Detail = detail
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// HTTPStatus maps a Kind to the status code the HTTP surface should answer
// with.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindUsage, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCrypto:
		return http.StatusUnprocessableEntity
	case KindExpiry:
		return http.StatusGone
	case KindNetwork:
		return http.StatusBadGateway
	case KindServerError:
		return http.StatusInternalServerError
	case KindConstraintViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps a Kind to the CLI exit code conventions:
// 0 success, 1 operational failure, 2 usage/validation failure.
func (e *AppError) ExitCode() int {
	switch e.Kind {
	case KindUsage, KindValidation:
		return 2
	default:
		return 1
	}
}

// As reports whether err (or something it wraps) is an *AppError, following
// the standard errors.As contract.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
