package supervisor

import (
	"context"
	"errors"

	"github.com/loykin/comfyvisor/internal/process"
	"github.com/loykin/comfyvisor/internal/runner"
)

var (
	// ErrStartupTimeout means readiness was not reached within ReadinessTimeout.
	ErrStartupTimeout = errors.New("startup timeout: backend not ready")
	// ErrExitedDuringStartup means the backend exited before it became ready.
	ErrExitedDuringStartup = errors.New("backend exited before becoming ready")
	// ErrConcurrentRestartTimeout is returned to a caller whose own timeout
	// elapsed while it waited on a restart started by someone else. That
	// restart keeps going.
	ErrConcurrentRestartTimeout = errors.New("timed out waiting for in-flight restart")
	// ErrRestartTimeout means a restart hit its hard deadline; the supervisor
	// was forced to failed.
	ErrRestartTimeout = errors.New("restart deadline exceeded")
	// ErrInvalidTransition is returned for operations not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("supervisor closed")
)

// Re-exported so callers need only this package to classify errors.
var (
	ErrLaunch             = runner.ErrLaunch
	ErrTerminationTimeout = process.ErrTerminationTimeout
	ErrRuntimeUnavailable = process.ErrRuntimeUnavailable
)

// Kind maps an error to a coarse, stable name for the HTTP boundary and
// metrics labels. nil maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrConcurrentRestartTimeout):
		return "concurrent_restart_timeout"
	case errors.Is(err, ErrRestartTimeout):
		return "restart_timeout"
	case errors.Is(err, ErrStartupTimeout):
		return "startup_timeout"
	case errors.Is(err, ErrExitedDuringStartup):
		return "exited_during_startup"
	case errors.Is(err, ErrRuntimeUnavailable):
		return "runtime_unavailable"
	case errors.Is(err, ErrLaunch):
		return "launch"
	case errors.Is(err, ErrTerminationTimeout):
		return "termination_timeout"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
