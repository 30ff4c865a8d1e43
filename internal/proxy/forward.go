package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/florianilch/signagectl/internal/session"
)

// forwardedHeaders are the request headers passed through to the backend.
// Authorization is excluded; the session client attaches its own.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"If-Match",
	"If-None-Match",
	session.HeaderRequestID,

	// W3C Trace Context
	"Traceparent",
	"Tracestate",
}

// relayedHeaders are the response headers copied back to the caller.
var relayedHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Location",
}

func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(ctx, w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(ctx, w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := session.Request{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Header: make(http.Header),
		Body:   body,
	}
	for _, key := range forwardedHeaders {
		if values := r.Header.Values(key); len(values) > 0 {
			req.Header[http.CanonicalHeaderKey(key)] = values
		}
	}

	resp, err := p.client.Send(ctx, req)
	if err != nil {
		writeSendError(w, r, err)
		return
	}

	for _, key := range relayedHeaders {
		if values := resp.Header.Values(key); len(values) > 0 {
			w.Header()[http.CanonicalHeaderKey(key)] = values
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		slog.DebugContext(ctx, "failed to relay response body", "error", err)
	}
}

// writeSendError relays a backend failure with its original status.
func writeSendError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var apiErr *session.APIError
	if !errors.As(err, &apiErr) {
		slog.ErrorContext(ctx, "forwarding failed", "error", err)
		writeJSONError(ctx, w, "bad gateway", http.StatusBadGateway)
		return
	}

	if session.IsSessionExpired(err) {
		slog.WarnContext(ctx, "session expired, run 'signagectl login' to sign in again")
	}

	if len(apiErr.Body) == 0 {
		writeJSONError(ctx, w, apiErr.Message, apiErr.Status)
		return
	}

	w.Header().Set("Content-Type", bodyContentType(apiErr.Body))
	w.WriteHeader(apiErr.Status)
	_, _ = w.Write(apiErr.Body)
}
