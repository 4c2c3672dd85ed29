// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the domain layer. Domain packages wrap these so that
// handlers can map them without knowing every domain error.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Extended is implemented by errors that carry machine readable context,
// for example the item ids rejected by a batch transition.
type Extended interface {
	error
	ProblemExtensions() map[string]any
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var ext map[string]any
	var extended Extended
	if errors.As(err, &extended) {
		ext = extended.ProblemExtensions()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		problem(w, http.StatusNotFound, "Not Found", err.Error(), ext)
	case errors.Is(err, ErrDuplicate):
		problem(w, http.StatusConflict, "Duplicate", err.Error(), ext)
	case errors.Is(err, ErrConflict):
		problem(w, http.StatusConflict, "Conflict", err.Error(), ext)
	case errors.Is(err, ErrValidation):
		problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), ext)
	case errors.Is(err, ErrForbidden):
		problem(w, http.StatusForbidden, "Forbidden", err.Error(), ext)
	case errors.Is(err, ErrUnauthorized):
		problem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), ext)
	default:
		problem(w, http.StatusInternalServerError, "Internal Error", "", nil)
	}
}
