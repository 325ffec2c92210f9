package connection

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted            = errors.New("pool exhausted: timed out waiting for a free connection")
	ErrPoolClosed               = errors.New("pool is closed")
	ErrConnectionCreationFailed = errors.New("physical connection creation failed")
	ErrValidationFailed         = errors.New("connection failed validation")
	ErrConnectionEnlisted       = errors.New("connection is still enlisted in a transaction")
	ErrIllegalTransition        = errors.New("illegal managed connection state transition")
	ErrNotBorrowed              = errors.New("connection is not borrowed from this pool")
	ErrBranchMismatch           = errors.New("connection is enlisted in a different branch")
	ErrInvalidConfig            = errors.New("invalid pool configuration")
)

// CreationError wraps a factory failure with the partition it happened in.
type CreationError struct {
	Resource  string
	Partition string
	Err       error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%s: resource %q partition %q: %v", ErrConnectionCreationFailed, e.Resource, e.Partition, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnectionCreationFailed) match.
func (e *CreationError) Is(target error) bool {
	return target == ErrConnectionCreationFailed
}
