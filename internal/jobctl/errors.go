package jobctl

import (
	"errors"
	"fmt"
)

var (
	// ErrJobActive is returned by Run while a previous job still owns the
	// polling loop.
	ErrJobActive = errors.New("a job is already running")
	// ErrNotRunning is returned by the control calls when no job is active.
	ErrNotRunning = errors.New("no job is running")
	// ErrValidation marks rejected input; no network call was made.
	ErrValidation = errors.New("invalid input")
)

// DetailedError is implemented by transport errors that carry a message
// produced by the server.
type DetailedError interface {
	error
	ServerDetail() string
}

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

type StartError struct {
	Message string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start job: %s: %v", e.Message, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

type StepError struct {
	Processed int
	Total     int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step job at %d/%d: %v", e.Processed, e.Total, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type FinalizeError struct {
	Err error
}

func (e *FinalizeError) Error() string { return fmt.Sprintf("finalize job: %v", e.Err) }

func (e *FinalizeError) Unwrap() error { return e.Err }

func serverDetail(err error) string {
	var d DetailedError
	if errors.As(err, &d) {
		return d.ServerDetail()
	}
	return ""
}
