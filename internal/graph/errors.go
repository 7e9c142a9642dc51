package graph

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID   = errors.New("duplicate task id")
	ErrUnknownTask   = errors.New("unknown task")
	ErrCycleDetected = errors.New("cycle detected")
	ErrInvalidTask   = errors.New("invalid task")
)

// Error wraps graph construction failures. Kind is one of the sentinel errors
// above and can be checked with errors.Is.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
