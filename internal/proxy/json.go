package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/florianilch/signagectl/internal/session"
)

// ErrorResponse is the body of errors produced by the proxy itself.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON encodes data before sending any header, so a value that cannot
// be encoded is answered with a 500 instead of a truncated body.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{
			Error:     http.StatusText(status),
			RequestID: w.Header().Get(session.HeaderRequestID),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.DebugContext(ctx, "failed to write JSON response", "error", err)
	}
}

// writeJSONError answers with an ErrorResponse carrying the response's request id.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{
		Error:     message,
		RequestID: w.Header().Get(session.HeaderRequestID),
	}, status)
}

// bodyContentType guesses the media type of a raw backend error body.
func bodyContentType(body []byte) string {
	if json.Valid(body) {
		return "application/json"
	}
	return http.DetectContentType(body)
}
