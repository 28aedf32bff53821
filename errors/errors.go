package errors

import "errors"

var (
	// ErrTimeout will be used when an execution times out.
	ErrTimeout = errors.New("timeout while executing")
	// ErrContextCanceled will be used when the execution has not been executed due to the
	// context cancelation.
	ErrContextCanceled = errors.New("context canceled, logic not executed")
	// ErrInvalidConfig is returned when a component is constructed with an invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrObjectNotFound is returned by object stores when the requested key does not exist.
	ErrObjectNotFound = errors.New("object not found")
)
