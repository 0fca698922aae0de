package executor

import "github.com/pkg/errors"

var (
	// ErrInvalidTarget is returned when a Pin/Schedule arrives for a thread
	// that can't accept it: departing, or (under strong isolation) already
	// hosting a different pinned function.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotPinned is returned when an operation names a function this
	// thread never pinned.
	ErrNotPinned = errors.New("function not pinned")
)
