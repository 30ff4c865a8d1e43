package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionExpired matches every error returned when the session cannot be renewed.
var ErrSessionExpired = errors.New("session expired")

// errNoRefreshToken reports a refresh attempt without a stored refresh token.
var errNoRefreshToken = errors.New("no refresh token stored")

// errRefreshAborted is published to waiters when the refresh leader exits abnormally.
var errRefreshAborted = errors.New("refresh aborted")

const (
	messageNetworkError     = "network error"
	messageStoreUnavailable = "credential storage unavailable"
	messageInvalidRequest   = "invalid request"
)

// APIError is the normalized failure of a request to the backend.
type APIError struct {
	// Status is the HTTP status code; 503 for transport failures.
	Status  int
	Message string
	// Body is the raw response body, if any.
	Body []byte
	Err  error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsSessionExpired reports whether err is a session-expired failure.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

func newSessionExpired(cause error, body []byte) *APIError {
	err := ErrSessionExpired
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	}
	return &APIError{
		Status:  http.StatusUnauthorized,
		Message: ErrSessionExpired.Error(),
		Body:    body,
		Err:     err,
	}
}

func newNetworkError(cause error) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Message: messageNetworkError,
		Err:     cause,
	}
}

// newStoreError reports that the stored credentials could not be read.
func newStoreError(cause error) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Message: messageStoreUnavailable,
		Err:     cause,
	}
}

// newRequestError reports a descriptor that cannot be turned into an HTTP request.
func newRequestError(cause error) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Message: messageInvalidRequest,
		Err:     cause,
	}
}

func newStatusError(resp *Response) *APIError {
	return &APIError{
		Status:  resp.StatusCode,
		Message: errorMessage(resp.StatusCode, resp.Body),
		Body:    resp.Body,
	}
}

// errorMessage extracts a human-readable message from a JSON error body,
// accepting {"message": "..."}, {"error": "..."} and {"error": {"message": "..."}}.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
		var text string
		if err := json.Unmarshal(payload.Error, &text); err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &nested); err == nil && strings.TrimSpace(nested.Message) != "" {
			return strings.TrimSpace(nested.Message)
		}
	}

	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
