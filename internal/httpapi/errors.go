package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// APIError is a failure reported by the server or a transport failure
// described by a fallback message.
type APIError struct {
	Status  int    // 0 when the server was unreachable
	Code    string // server error code, if any
	Message string
	Err     error // underlying transport failure, if any
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the credential.
func (e *APIError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeError builds an APIError from a non-2xx response, preferring the
// server's message and using fallback when it is missing or blank.
func DecodeError(resp *http.Response, fallback string) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: fallback}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	apiErr.Code = body.Code
	if msg := strings.TrimSpace(body.Message); msg != "" {
		apiErr.Message = msg
	}
	return apiErr
}

// TransportError describes a failure to reach the server under fallback.
func TransportError(err error, fallback string) *APIError {
	return &APIError{Message: fallback, Err: err}
}
