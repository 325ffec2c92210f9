package recovery

import (
	"errors"
	"fmt"
)

var (
	ErrRecoveryScanFailed = errors.New("recovery scan failed")
	ErrOrphanedBranch     = errors.New("orphaned transaction branch")
)

// ScanError reports a resource whose in-doubt branches could not be listed.
type ScanError struct {
	Resource string
	Err      error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s: resource %q: %v", ErrRecoveryScanFailed, e.Resource, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

func (e *ScanError) Is(target error) bool { return target == ErrRecoveryScanFailed }
