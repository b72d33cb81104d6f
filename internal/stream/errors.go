package stream

import "codeberg.org/mutker/energentctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Lifecycle Errors
	ErrAlreadyRunning = errors.ErrAlreadyRunning

	// Transport Errors
	ErrDialFailed = errors.ErrorCode("stream_dial_failed")
)
