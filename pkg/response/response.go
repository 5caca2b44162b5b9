// Package response provides the JSON envelope and middleware shared by HTTP handlers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/filesaga/platform/pkg/errors"
)

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if reqID := RequestIDFromContext(r.Context()); reqID != "" {
		return reqID
	}
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, payload)
}

// WriteErr maps any error to the structured envelope. Errors without a code become INTERNAL
// and their message is not exposed.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if e, ok := commonerrors.As(err); ok {
		WriteError(w, r, e)
		return
	}
	WriteErrorCode(w, r, commonerrors.CodeInternal, "internal server error")
}

// WriteError writes a structured error response based on common error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
