package session

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID correlates a request and its replay in backend logs.
const HeaderRequestID = "X-Request-Id"

// Request describes an outbound call relative to the API base URL.
type Request struct {
	Method string
	// Path is appended to the base URL and may carry a query string.
	Path   string
	Header http.Header
	Body   []byte

	retried bool
}

// NewRequest builds a Request with body JSON-encoded. A nil body sends no payload.
func NewRequest(method, path string, body any) (Request, error) {
	req := Request{Method: method, Path: path, Header: make(http.Header)}
	req.Header.Set("Accept", "application/json")
	if body == nil {
		return req, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("encoding request body: %w", err)
	}
	req.Body = data
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Get builds a body-less GET request.
func Get(path string) Request {
	req, _ := NewRequest(http.MethodGet, path, nil)
	return req
}

// Retried reports whether this descriptor is a replay after a refresh.
func (r Request) Retried() bool {
	return r.retried
}

// clone returns a copy that shares no header map with r.
func (r Request) clone() Request {
	out := r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return out
}

// prepared returns a copy carrying a request id.
func (r Request) prepared() Request {
	out := r.clone()
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.NewString())
	}
	return out
}

// retry returns the replay descriptor. The receiver is left untouched.
func (r Request) retry() Request {
	out := r.clone()
	out.retried = true
	return out
}

// Response is a successful backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
