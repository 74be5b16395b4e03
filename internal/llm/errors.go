package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidCredential marks a vendor rejection of the API key itself.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrMalformedResponse marks a successful HTTP exchange whose body has no usable completion.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrUnsupportedProvider marks a provider outside the closed enumeration.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// maxErrorBody caps how much of a vendor error body is retained.
const maxErrorBody = 512

// APIError is a non-success HTTP status returned by a vendor.
type APIError struct {
	Provider   Provider
	StatusCode int
	Body       string

	// KeyRejected is set when a 400 body carries a vendor "invalid key" marker.
	KeyRejected bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap exposes ErrInvalidCredential for 401/403 so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden || e.KeyRejected {
		return ErrInvalidCredential
	}
	return nil
}

// NetworkError is a transport-level failure (timeout, DNS, reset) before any HTTP status was received.
type NetworkError struct {
	Provider Provider
	Cause    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Provider, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// invalidKeyMarkers are payload fragments vendors use to reject a key with HTTP 400.
var invalidKeyMarkers = []string{
	"invalid_api_key",
	"API_KEY_INVALID",
	"API key not valid",
	"invalid x-api-key",
}

// IsInvalidKeyPayload reports whether a 400 body is a disguised credential rejection.
func IsInvalidKeyPayload(body string) bool {
	for _, marker := range invalidKeyMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func newAPIError(p Provider, status int, body []byte) *APIError {
	return &APIError{
		Provider:    p,
		StatusCode:  status,
		Body:        truncate(string(body), maxErrorBody),
		KeyRejected: status == http.StatusBadRequest && IsInvalidKeyPayload(string(body)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// outcome maps an error onto the metrics outcome label.
func outcome(err error) string {
	var apiErr *APIError
	var netErr *NetworkError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}
