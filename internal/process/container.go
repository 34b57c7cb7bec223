package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/comfyvisor/internal/runner"
)

const (
	// DefaultRuntime is the container engine CLI used when none is configured.
	DefaultRuntime = "docker"

	runtimeCallTimeout = 30 * time.Second
	containerPoll      = time.Second
)

// ContainerProcess is a backend running in a named container, driven through
// the engine CLI.
type ContainerProcess struct {
	Name    string
	Runtime string
	Runner  *runner.Runner
	// PollInterval is used by Wait. Defaults to one second.
	PollInterval time.Duration
}

func (c *ContainerProcess) ID() string { return c.Name }
func (c *ContainerProcess) PID() int   { return 0 }

func (c *ContainerProcess) IsRunning(ctx context.Context) (bool, error) {
	out, err := c.inspect(ctx, "{{.State.Running}}")
	if errors.Is(err, ErrContainerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch out {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("inspect %s: unexpected state %q", c.Name, out)
}

// Terminate runs "<runtime> stop -t <grace> <name>". Stopping a container that
// does not exist succeeds.
func (c *ContainerProcess) Terminate(ctx context.Context, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	res, err := runtimeExec(ctx, c.Runner, c.runtime(), grace+runtimeCallTimeout,
		"stop", "-t", strconv.Itoa(secs), c.Name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if notFound(res.Stderr) {
			return nil
		}
		return fmt.Errorf("stop %s: exit %d: %s", c.Name, res.ExitCode, trim(res.Stderr))
	}
	if trim(res.Stdout) != c.Name {
		return fmt.Errorf("stop %s: unexpected output %q", c.Name, trim(res.Stdout))
	}
	return nil
}

// Wait polls until the container is no longer running and returns its exit
// code.
func (c *ContainerProcess) Wait(ctx context.Context) (int, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = containerPoll
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		running, err := c.IsRunning(ctx)
		if err != nil {
			return -1, err
		}
		if !running {
			break
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-t.C:
		}
	}
	out, err := c.inspect(ctx, "{{.State.ExitCode}}")
	if errors.Is(err, ErrContainerNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	code, err := strconv.Atoi(out)
	if err != nil {
		return -1, fmt.Errorf("inspect %s exit code %q: %w", c.Name, out, err)
	}
	return code, nil
}

func (c *ContainerProcess) runtime() string {
	if c.Runtime == "" {
		return DefaultRuntime
	}
	return c.Runtime
}

func (c *ContainerProcess) inspect(ctx context.Context, format string) (string, error) {
	res, err := runtimeExec(ctx, c.Runner, c.runtime(), runtimeCallTimeout, "inspect", "-f", format, c.Name)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		if notFound(res.Stderr) {
			return "", fmt.Errorf("%s: %w", c.Name, ErrContainerNotFound)
		}
		return "", fmt.Errorf("inspect %s: exit %d: %s", c.Name, res.ExitCode, trim(res.Stderr))
	}
	return trim(res.Stdout), nil
}

// runtimeExec runs one engine CLI call, mapping "binary missing" and "daemon
// unreachable" to ErrRuntimeUnavailable.
func runtimeExec(ctx context.Context, r *runner.Runner, rt string, timeout time.Duration, args ...string) (runner.Result, error) {
	res, err := r.Run(ctx, runner.Command{Path: rt, Args: args, Timeout: timeout})
	if errors.Is(err, runner.ErrLaunch) {
		return res, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", rt, args[0], err)
	}
	if res.ExitCode != 0 && daemonDown(res.Stderr) {
		return res, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, trim(res.Stderr))
	}
	return res, nil
}

func notFound(stderr []byte) bool {
	s := bytes.ToLower(stderr)
	return bytes.Contains(s, []byte("no such object")) || bytes.Contains(s, []byte("no such container"))
}

func daemonDown(stderr []byte) bool {
	s := bytes.ToLower(stderr)
	return bytes.Contains(s, []byte("cannot connect to the docker daemon")) ||
		bytes.Contains(s, []byte("is the docker daemon running"))
}

func trim(b []byte) string { return strings.TrimSpace(string(b)) }
