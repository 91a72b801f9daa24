package model

import "errors"

var (
	// ErrInvalidState marks a command that is not valid for the current controller status.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput marks a malformed predict/state payload or configuration value.
	ErrInvalidInput = errors.New("invalid input")
	// ErrModelUnavailable marks an architecture that is known but not loaded.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrUnknownModel marks an architecture tag that is not recognized.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNotFound marks a saved model that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEngineFault marks an unexpected failure inside a model engine.
	ErrEngineFault = errors.New("engine fault")
)
