package process

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"syscall"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/comfyvisor/internal/runner"
)

// killWait bounds how long Terminate waits for the reaper after SIGKILL.
const killWait = 5 * time.Second

// DirectProcess is a backend running as a child of this process.
type DirectProcess struct {
	name string
	sp   *runner.Spawned
	// signal is replaceable in tests.
	signal func(syscall.Signal) error
}

func newDirectProcess(name string, sp *runner.Spawned) *DirectProcess {
	return &DirectProcess{name: name, sp: sp, signal: sp.Signal}
}

func (p *DirectProcess) ID() string { return strconv.Itoa(p.sp.PID()) }
func (p *DirectProcess) PID() int   { return p.sp.PID() }

// Done is closed when the child has been reaped.
func (p *DirectProcess) Done() <-chan struct{} { return p.sp.Done() }

func (p *DirectProcess) IsRunning(ctx context.Context) (bool, error) {
	if p.sp.Exited() {
		return false, nil
	}
	pid := int32(p.sp.PID()) // #nosec G115
	ok, err := gproc.PidExistsWithContext(ctx, pid)
	if err != nil || !ok {
		return false, err
	}
	proc, err := gproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		// vanished between the two calls
		return false, nil
	}
	st, err := proc.StatusWithContext(ctx)
	if err == nil && slices.Contains(st, gproc.Zombie) {
		return false, nil
	}
	return true, nil
}

// Terminate sends SIGTERM to the child's process group and waits up to grace
// for it to exit. If it does not, or ctx ends first, SIGKILL follows and the
// returned error wraps ErrTerminationTimeout.
func (p *DirectProcess) Terminate(ctx context.Context, grace time.Duration) error {
	if p.sp.Exited() {
		return nil
	}
	if err := p.signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate %s (pid %d): %w", p.name, p.sp.PID(), err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.sp.Done():
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	if err := p.signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %s (pid %d): %w", p.name, p.sp.PID(), err)
	}
	select {
	case <-p.sp.Done():
	case <-time.After(killWait):
		return fmt.Errorf("%s (pid %d) still alive after SIGKILL", p.name, p.sp.PID())
	}
	return fmt.Errorf("%s (pid %d): %w", p.name, p.sp.PID(), ErrTerminationTimeout)
}

func (p *DirectProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.sp.Done():
		return p.sp.ExitCode(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
