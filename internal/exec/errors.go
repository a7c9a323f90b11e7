package exec

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for identifiers unknown to the registry.
// Stale IDs of evicted records resolve to this, never to another
// process's record.
var ErrNotFound = errors.New("process not found")

// LaunchError reports a failure to start the OS process at all:
// executable not found, permission denied, bad working directory.
// Distinct from a process that started and exited non-zero.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CapacityError reports admission rejection: the configured ceiling on
// concurrently live background processes is reached. Requests are
// rejected, not queued.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("background process limit reached (%d)", e.Limit)
}

// IsNotFound reports whether err denotes an unknown process ID.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
