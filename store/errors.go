package store

import (
	"errors"
	"fmt"
)

// ErrNoDocument is returned by Storage.Load when nothing has been persisted.
var ErrNoDocument = errors.New("store: no document")

// IOError reports a failed read or write of the persisted document. The
// requested mutation did not take effect.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned for operations on an unknown channel id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("channel %q not found", e.ID)
}

// ValidationError rejects a mutation whose input is malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
