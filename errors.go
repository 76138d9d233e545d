// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"errors"
	"fmt"
)

// PanicError wraps a recovered panic value from a task closure or
// destruction observer, so it can be logged and handed to a crash
// observer instead of crashing the bound goroutine.
type PanicError struct {
	Recovered any
	Origin    Origin
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("tasksched: recovered panic in task from %s: %v", e.Origin, e.Recovered)
}

// Unwrap returns the recovered value if it is itself an error, for use
// with errors.Is/errors.As.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Recovered.(error); ok {
		return err
	}
	return nil
}

// WrapError wraps an error with a message, preserving the cause chain for
// errors.Is/errors.As. If cause is nil, a plain message error is returned.
func WrapError(message string, cause error) error {
	if cause == nil {
		return errors.New(message)
	}
	return fmt.Errorf("%s: %w", message, cause)
}
