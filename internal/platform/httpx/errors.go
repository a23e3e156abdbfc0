// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// ErrValidation marks a request that failed decoding or field validation.
var ErrValidation = errors.New("validation failed")

// StatusFor maps shared errors to a status code and problem title. Handlers map their
// own domain errors first and fall back to this.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrInvalidActor):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrConcurrentUpdate):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, shared.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "Unprocessable"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	}
	return http.StatusInternalServerError, "Internal Error"
}

// RespondError maps errors to HTTP responses using RFC7807. Internal errors carry no
// detail.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusFor(err)
	if status >= http.StatusInternalServerError {
		Problem(w, status, title, "")
		return
	}
	Problem(w, status, title, err.Error())
}
