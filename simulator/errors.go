package simulator

import "fmt"

// ValidationError represents an invalid configuration value
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func invalidErr(field string, err error) error {
	return &ValidationError{Field: field, Message: err.Error(), Err: err}
}
