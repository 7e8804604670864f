// Package errs defines the error taxonomy shared by the membership,
// invitation and permission packages.
//
// Every error returned by those packages that belongs to a category wraps
// one of the sentinels below, so callers classify with errors.Is:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates a referenced membership, role, identity or
	// invitation token does not exist or has expired.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates a permission check denied the request.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates the operation collides with existing state.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// NotFound returns an ErrNotFound naming the missing entity
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// NotFoundf returns a formatted ErrNotFound
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Forbiddenf returns a formatted ErrForbidden
func Forbiddenf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrForbidden)
}

// Conflictf returns a formatted ErrConflict
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Validationf returns a formatted ErrValidation
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// HTTPStatus maps an error to the status code the HTTP layer should return
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
