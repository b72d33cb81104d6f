package errors

// ErrorCode identifies an error kind. Packages declare their own codes in
// their errors.go; lifecycle and configuration codes live in codes.go.
type ErrorCode string

// Error is an error carrying an ErrorCode, an optional message override,
// optional structured data and an optional wrapped cause.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Obtain one with New.
type Factory interface {
	// New returns an error with the code's default message.
	New(code ErrorCode) Error
	// Wrap attaches a cause; errors.Is still matches the cause, so a
	// wrapped context.Canceled stays detectable.
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}

// HasCode reports whether any error in err's chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var appErr Error
	for err != nil {
		if As(err, &appErr) {
			if appErr.Code() == code {
				return true
			}
			err = appErr.Unwrap()
			continue
		}
		return false
	}
	return false
}
