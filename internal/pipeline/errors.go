package pipeline

import "fmt"

// ValidationError reports a rejected analysis configuration.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline: invalid configuration: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
