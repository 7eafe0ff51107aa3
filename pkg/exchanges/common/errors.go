package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrMalformedResponse marks a provider payload that could not be decoded.
var ErrMalformedResponse = errors.New("malformed provider response")

// ErrCredentialsRequired is returned by signed calls without an API key/secret.
var ErrCredentialsRequired = errors.New("API key/secret required")

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	Method     string
	Path       string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s %s status %d (code %d): %s", e.Provider, e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s %s status %d: %s", e.Provider, e.Method, e.Path, e.StatusCode, e.Message)
}

// IsRejection reports whether err is a 4xx response, meaning the venue
// refused the request rather than failing to process it.
func IsRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError
}

// Summary describes err for users. Provider failures are reduced to their
// kind and status codes; response bodies and request URLs are left out and
// belong in server logs only.
func Summary(err error) string {
	var (
		apiErr *APIError
		urlErr *url.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Sprintf("%s unavailable (status %d)", apiErr.Provider, apiErr.StatusCode)
		}
		if apiErr.Code != 0 {
			return fmt.Sprintf("%s rejected request (status %d, code %d)", apiErr.Provider, apiErr.StatusCode, apiErr.Code)
		}
		return fmt.Sprintf("%s rejected request (status %d)", apiErr.Provider, apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "provider timeout"
	case errors.Is(err, ErrMalformedResponse):
		return ErrMalformedResponse.Error()
	case errors.Is(err, ErrCredentialsRequired):
		return ErrCredentialsRequired.Error()
	case errors.As(err, &urlErr):
		return "provider unreachable"
	}
	return err.Error()
}
