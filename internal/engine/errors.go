package engine

import "fmt"

// ErrorKind classifies inference failures.
type ErrorKind string

const (
	// ErrInvalidInput means the request could never succeed: empty buffers,
	// impossible sample rates, unsupported languages.
	ErrInvalidInput ErrorKind = "invalid_input"
	// ErrRuntime means the backend failed while processing: crashed
	// subprocess, cancelled context, model runtime errors.
	ErrRuntime ErrorKind = "runtime_failure"
)

// InferenceError is the typed failure returned by Engine.Transcribe.
type InferenceError struct {
	Kind ErrorKind
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed (%s): %v", e.Kind, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func invalidInputErr(err error) *InferenceError {
	return &InferenceError{Kind: ErrInvalidInput, Err: err}
}

func runtimeErr(err error) *InferenceError {
	return &InferenceError{Kind: ErrRuntime, Err: err}
}
