package service

import (
	"errors"
	"fmt"
)

// ValidationError marks a malformed deploy request. Never retried,
// surfaced to the caller immediately.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid deploy request: %s", e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
