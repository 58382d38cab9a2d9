package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotAFunction is returned when calling a value that is not callable.
	ErrNotAFunction = errors.New("value is not a function")
)
