package api

import (
	"fmt"
	"net/http"

	"codeberg.org/mutker/energentctl/internal/errors"
)

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidURL    = errors.ErrorCode("api_invalid_url")

	// Request Errors
	ErrBuildRequest  = errors.ErrorCode("api_build_request_failed")
	ErrRequestFailed = errors.ErrorCode("api_request_failed")
	ErrDecode        = errors.ErrorCode("api_decode_failed")
	ErrInvalidFormat = errors.ErrorCode("api_invalid_export_format")
	ErrMissingRunID  = errors.ErrorCode("api_missing_run_id")
)

// StatusError is returned for any non-2xx backend response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *StatusError
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsStatus returns true if the error is a backend response with the given code.
func IsStatus(err error, code int) bool {
	var e *StatusError
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}
