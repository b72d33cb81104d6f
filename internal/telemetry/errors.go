package telemetry

import "codeberg.org/mutker/energentctl/internal/errors"

const (
	// Decoding Errors
	ErrMalformedSample = errors.ErrorCode("telemetry_malformed_sample")

	// Configuration Errors
	ErrInvalidCapacity = errors.ErrorCode("telemetry_invalid_capacity")
)
