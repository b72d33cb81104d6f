package run

import "codeberg.org/mutker/energentctl/internal/errors"

const (
	// Lifecycle Errors
	ErrClosed = errors.ErrClosed

	// Operation Errors
	ErrNoModel        = errors.ErrorCode("run_no_model_selected")
	ErrRunInProgress  = errors.ErrorCode("run_in_progress")
	ErrNothingToApply = errors.ErrorCode("run_nothing_to_apply")
)
