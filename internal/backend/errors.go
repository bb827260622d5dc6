package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for the failure classes the client distinguishes.
var (
	// ErrTransportUnavailable means the backend could not be reached or the
	// response carried no payload.
	ErrTransportUnavailable = errors.New("backend unavailable")

	// ErrRemoteTamperSignal means the ledger reported a broken chain.
	ErrRemoteTamperSignal = errors.New("ledger reported tampering")

	// ErrNotFoundYet means an asynchronously produced resource is not ready.
	ErrNotFoundYet = errors.New("resource not found yet")

	// ErrRemoteValidation means the backend rejected the request, e.g. an
	// unknown account.
	ErrRemoteValidation = errors.New("backend rejected request")

	// ErrMalformedPayload means a response or stored snapshot could not be
	// decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// APIError is a non-2xx response from the backend. Body holds the raw
// response payload, which may be empty.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.StatusCode)
}

// Unwrap maps the status code onto the sentinel errors so errors.Is works.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFoundYet
	case http.StatusConflict:
		return ErrRemoteTamperSignal
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrRemoteValidation
	}
	if len(e.Body) == 0 {
		return ErrTransportUnavailable
	}
	return nil
}

// HasPayload reports whether the error response carried a body.
func (e *APIError) HasPayload() bool {
	return len(strings.TrimSpace(string(e.Body))) > 0
}

// apiErrorBody covers the error shapes the backend emits.
type apiErrorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: body}
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Message != "":
			e.Message = parsed.Message
		case parsed.Error != "":
			e.Message = parsed.Error
		case len(parsed.Detail) > 0:
			var s string
			if json.Unmarshal(parsed.Detail, &s) == nil {
				e.Message = s
			} else {
				e.Message = string(parsed.Detail)
			}
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// IsAccountNotFound reports whether err is the admin endpoint's unknown
// account rejection.
func IsAccountNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound
}

// AsAPIError extracts the *APIError from err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
