package vgcfg

import "fmt"

// ValidationError reports an option with an unusable value.
type ValidationError struct {
	// Field is the option name as written in the config file.
	Field string

	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}
