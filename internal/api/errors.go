package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidArgument   = "invalid_argument"
	CodeEmptyPayload      = "empty_payload"
	CodeNotFound          = "not_found"
	CodePayloadTooLarge   = "payload_too_large"
	CodeStorageFull       = "storage_full"
	CodeInconsistent      = "inconsistent"
	CodeResourceExhausted = "resource_exhausted"
	CodeInternal          = "internal"
)

// APIError is a structured error returned by the HTTP API.
type APIError struct {
	Status    int
	Code      string
	ErrorCode int
	Message   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	case e.Status > 0:
		return fmt.Sprintf("api error: %d %s", e.Status, http.StatusText(e.Status))
	default:
		return "api error"
	}
}

// HasCode reports whether err wraps an APIError with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsNotFound reports whether err is a 404 from the API, with or without a
// structured body.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeNotFound || apiErr.Status == http.StatusNotFound
}
