// Package transport contains the operations HTTP router and its middleware
// chain: liveness, readiness and metrics for the engine host process.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/casework/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:                   http.StatusBadRequest,
	model.ErrForbidden:                    http.StatusForbidden,
	model.ErrNotFound:                     http.StatusNotFound,
	model.ErrConflict:                     http.StatusConflict,
	model.ErrValidationError:              http.StatusUnprocessableEntity,
	model.ErrInternalError:                http.StatusInternalServerError,
	model.ErrTemplateNotFound:             http.StatusNotFound,
	model.ErrInvalidTransition:            http.StatusUnprocessableEntity,
	model.ErrRequiredDataCollectionFailed: http.StatusBadGateway,
	model.ErrStaleApplication:             http.StatusConflict,
}

// StatusForError returns the HTTP status an engine error maps to.
func StatusForError(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
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

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that are not envelopes become a generic 500 so
// infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: ee})
}
