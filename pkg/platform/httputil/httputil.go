// Package httputil centralizes JSON response writing so every handler and the
// router error boundary emit the same envelope.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "consentd/pkg/domain-errors"
)

// ErrorEnvelope is the stable wire shape for every non-2xx response.
type ErrorEnvelope struct {
	Error   bool           `json:"error"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates err into the JSON error envelope. Domain errors keep
// their code, message, and meta; anything else becomes an opaque 500 so
// internals never leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	de := dErrors.From(err)
	if de == nil {
		de = dErrors.New(dErrors.CodeInternal, "Internal Server Error")
	}
	WriteJSON(w, dErrors.ToHTTPStatus(de.Code), ErrorEnvelope{
		Error:   true,
		Code:    string(de.Code),
		Message: de.Message,
		Meta:    de.Meta,
	})
}
