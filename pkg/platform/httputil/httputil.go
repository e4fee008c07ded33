// Package httputil centralizes JSON responses and the single, exhaustive
// mapping from domain error codes to HTTP statuses.
package httputil

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	dErrors "pulse/pkg/domain-errors"
)

// errorBody is the JSON error envelope returned to clients.
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status. Encoding errors are ignored:
// headers are already written and there is nothing useful left to do.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into an HTTP response. Internal,
// unavailable, and timeout failures omit the description so internal detail
// never leaks to clients.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeInternal
	msg := ""
	var de *dErrors.Error
	if errors.As(err, &de) {
		code = de.Code()
		msg = de.Message()
	}

	status := statusFor(code)
	body := errorBody{Error: string(code)}
	if status < http.StatusInternalServerError {
		body.Description = msg
	}
	WriteJSON(w, status, body)
}

// statusFor is the one place error codes become HTTP statuses. The switch is
// exhaustive over the closed code set; a new code must be handled here.
func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Decode parses a JSON request body into T, translating malformed input into
// a bad_request domain error so handlers stay thin.
func Decode[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON body")
	}
	return v, nil
}
