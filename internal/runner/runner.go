package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the child exits
// or is killed, in case a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

var (
	// ErrLaunch matches every *LaunchError.
	ErrLaunch = errors.New("launch failed")
	// ErrTimeout is returned by Run when the command outlives its timeout.
	ErrTimeout = errors.New("command timed out")
)

// LaunchError reports that the executable could not be started at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch %s: %v", e.Path, e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }
func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}

// Command describes one external command invocation.
type Command struct {
	Path    string
	Args    []string
	Env     []string // full environment; nil inherits the parent's
	Dir     string
	Timeout time.Duration // zero means no timeout beyond ctx
}

// Result is what Run captured. ExitCode is -1 when the process was killed by
// a signal or never reported a status.
type Result struct {
	Path     string
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Started  time.Time
	Stopped  time.Time
}

// Runner executes external commands. The zero value is ready to use.
type Runner struct {
	Logger *slog.Logger
}

func New(logger *slog.Logger) *Runner { return &Runner{Logger: logger} }

func (r *Runner) log() *slog.Logger {
	if r == nil || r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run executes c and waits for it. A non-zero exit status is not an error:
// inspect Result.ExitCode. On timeout the process group is killed and the
// partial output is returned together with an error wrapping ErrTimeout.
func (r *Runner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := r.build(ctx, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{Path: c.Path, Args: append([]string(nil), c.Args...), ExitCode: -1}
	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		return res, &LaunchError{Path: c.Path, Err: err}
	}
	r.log().DebugContext(ctx, "command started", "path", c.Path, "args", c.Args, "pid", cmd.Process.Pid)

	werr := cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%s after %s: %w", c.Path, res.Stopped.Sub(res.Started).Round(time.Millisecond), ErrTimeout)
		}
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if werr != nil && !errors.As(werr, &exitErr) {
		return res, werr
	}
	return res, nil
}

// build prepares an *exec.Cmd placed in its own process group so that
// cancellation reaches every descendant.
func (r *Runner) build(ctx context.Context, c Command) *exec.Cmd {
	// #nosec G204
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// signalGroup signals the whole process group led by pid, falling back to
// the single process when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// SpawnOptions routes a detached child's output.
type SpawnOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	// Lines, when set, receives every complete output line with its stream
	// name ("stdout" or "stderr").
	Lines func(stream, line string)
}

// Spawned is a child started by SpawnDetached. Its exit is collected by an
// internal goroutine; callers observe it through Done.
type Spawned struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
}

// SpawnDetached starts c without waiting for it. The context only bounds the
// launch itself; the child outlives it.
func (r *Runner) SpawnDetached(ctx context.Context, c Command, opts SpawnOptions) (*Spawned, error) {
	// #nosec G204
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	outW := newLineWriter("stdout", opts.Stdout, opts.Lines)
	errW := newLineWriter("stderr", opts.Stderr, opts.Lines)
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: c.Path, Err: err}
	}
	s := &Spawned{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{}), exitCode: -1}
	r.log().InfoContext(ctx, "process spawned", "path", c.Path, "args", c.Args, "pid", s.pid)

	go func() {
		err := cmd.Wait()
		outW.Flush()
		errW.Flush()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		s.mu.Lock()
		s.exitCode = code
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return s, nil
}

func (s *Spawned) PID() int { return s.pid }

// Done is closed once the child has exited and been reaped.
func (s *Spawned) Done() <-chan struct{} { return s.done }

// Exited reports whether Done is closed.
func (s *Spawned) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ExitCode is valid after Done; -1 means killed by a signal.
func (s *Spawned) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Err is the error returned by Wait, valid after Done.
func (s *Spawned) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Signal delivers sig to the child's process group. Signalling an exited
// child is a no-op.
func (s *Spawned) Signal(sig syscall.Signal) error {
	if s.Exited() {
		return nil
	}
	return signalGroup(s.pid, sig)
}
