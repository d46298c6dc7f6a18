// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/schoolworks/aegis/pkg/apperr"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError maps a domain error to its HTTP status and stable code.
// Errors without an apperr in their chain become 500 INTERNAL_ERROR
// with a generic message so infrastructure detail never leaks.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.StatusFor(err)
	body := ErrorBody{Code: apperr.CodeFor(err), Message: "internal server error"}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	WriteJSON(w, status, body)
}

// WriteValidationError writes a 400 VALIDATION_ERROR with a custom message
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorBody{Code: apperr.CodeValidationError, Message: message})
}

// WriteCreated writes a 201 with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a 200 with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
