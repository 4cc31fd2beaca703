package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled is reported when a run stops at a stage boundary because
// cancellation was requested. It is not a failure.
var ErrCancelled = errors.New("cancellation requested")

// ConfigurationError is an invalid or unsupported parameter. It is raised
// before a job starts processing and is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	return errors.As(err, new(*ConfigurationError))
}

// StageExecutionError is a stage operation failure. Its message names the stage.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// TransportError is a failure outside the stages: broker, store, worker crash
// or an exceeded wall-clock limit.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
