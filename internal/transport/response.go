// Package transport contains the operational HTTP router of the daemon:
// middleware, JSON helpers and error envelope rendering.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/certflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrUnauthorized:              http.StatusForbidden,
	model.ErrNotFound:                  http.StatusNotFound,
	model.ErrConflict:                  http.StatusConflict,
	model.ErrDuplicateActiveAssignment: http.StatusConflict,
	model.ErrValidationError:           http.StatusUnprocessableEntity,
	model.ErrInvalidState:              http.StatusConflict,
	model.ErrInvalidTransition:         http.StatusUnprocessableEntity,
	model.ErrActorNotAuthorized:        http.StatusForbidden,
	model.ErrBusinessRuleViolation:     http.StatusUnprocessableEntity,
	model.ErrTimeLimitExceeded:         http.StatusUnprocessableEntity,
	model.ErrNoCandidateAvailable:      http.StatusServiceUnavailable,
	model.ErrInternalError:             http.StatusInternalServerError,
}

// StatusFor returns the HTTP status of an error code; unknown codes map
// to 500.
func StatusFor(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an envelope become a generic
// 500 so internal detail never leaks.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
