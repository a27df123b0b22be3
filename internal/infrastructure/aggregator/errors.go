package aggregator

import (
	"errors"
	"fmt"
	"net/http"

	"momali/internal/domain/openbanking"
)

// ErrNotFound is returned for 404 responses on data endpoints.
var ErrNotFound = errors.New("aggregator resource not found")

// ErrorResponse is the aggregator's error body.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Description string `json:"error_description"`
}

// APIError is a non-2xx response. It unwraps to the openbanking error kind
// the status maps to, so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("aggregator API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("aggregator API error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return classify(e.StatusCode, e.Code)
}

// classify maps a status and OAuth error code to an error kind, or nil.
func classify(status int, code string) error {
	switch code {
	case "invalid_grant", "invalid_token", "consent_revoked", "consent_expired":
		return openbanking.ErrReauthorizationRequired
	case "temporarily_unavailable", "server_error":
		return openbanking.ErrTemporaryFailure
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return openbanking.ErrReauthorizationRequired
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return openbanking.ErrTemporaryFailure
	case status >= 500:
		return openbanking.ErrTemporaryFailure
	case status == http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}
