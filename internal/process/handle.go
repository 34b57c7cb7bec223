package process

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTerminationTimeout means the graceful stop did not complete within
	// the grace period and a forceful kill was used. The target is gone.
	ErrTerminationTimeout = errors.New("graceful stop timed out, killed")
	// ErrRuntimeUnavailable means the container engine is missing or unreachable.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrContainerNotFound means the named container does not exist.
	ErrContainerNotFound = errors.New("container not found")
)

// Handle is a launched backend, either an OS process or a container.
type Handle interface {
	// ID identifies the target: a pid for processes, the name for containers.
	ID() string
	// PID is the OS pid, or 0 when not applicable.
	PID() int
	// IsRunning reports liveness. A target that does not exist is simply
	// not running.
	IsRunning(ctx context.Context) (bool, error)
	// Terminate stops the target, escalating after grace. Terminating an
	// already stopped target succeeds.
	Terminate(ctx context.Context, grace time.Duration) error
	// Wait blocks until the target exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// Launcher starts the backend described by a LaunchSpec.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// IsTerminationTimeout reports whether err only signals that a forceful kill
// was needed.
func IsTerminationTimeout(err error) bool {
	return errors.Is(err, ErrTerminationTimeout)
}
