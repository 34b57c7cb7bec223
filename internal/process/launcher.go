package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/loykin/comfyvisor/internal/runner"
)

// DirectLauncher runs the backend as a child process in its own process
// group. Output goes to the rotating files of spec.Log and, line by line, to
// the logger at debug level.
type DirectLauncher struct {
	Runner *runner.Runner
	Logger *slog.Logger
}

func (l DirectLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("launch %s: command is required", spec.Name)
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	if spec.Log.Dir != "" {
		if err := os.MkdirAll(spec.Log.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("launch %s: log dir: %w", spec.Name, err)
		}
	}
	outW, errW := spec.Log.ProcessWriters(spec.Name)
	closeAll := func() {
		for _, c := range []io.Closer{outW, errW} {
			if c != nil {
				_ = c.Close()
			}
		}
	}
	opts := runner.SpawnOptions{
		Lines: func(stream, line string) {
			log.Debug("backend output", "name", spec.Name, "stream", stream, "line", line)
		},
	}
	if outW != nil {
		opts.Stdout = outW
	}
	if errW != nil {
		opts.Stderr = errW
	}

	r := l.Runner
	if r == nil {
		r = runner.New(log)
	}
	sp, err := r.SpawnDetached(ctx, runner.Command{
		Path: spec.Command,
		Args: spec.Args,
		Env:  spec.Environ(),
		Dir:  spec.WorkDir,
	}, opts)
	if err != nil {
		closeAll()
		return nil, err
	}
	go func() {
		<-sp.Done()
		closeAll()
	}()
	return newDirectProcess(spec.Name, sp), nil
}

// ContainerLauncher starts the backend's container by name. When the
// container does not exist and spec.Image is set, it is created with
// "run -d".
type ContainerLauncher struct {
	Runtime string
	Runner  *runner.Runner
}

func (l ContainerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r := l.Runner
	if r == nil {
		r = runner.New(nil)
	}
	h := &ContainerProcess{Name: spec.Name, Runtime: l.Runtime, Runner: r}
	rt := h.runtime()

	res, err := runtimeExec(ctx, r, rt, runtimeCallTimeout, "start", spec.Name)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		return h, nil
	}
	if !notFound(res.Stderr) {
		return nil, fmt.Errorf("start %s: exit %d: %s", spec.Name, res.ExitCode, trim(res.Stderr))
	}
	if spec.Image == "" {
		return nil, &runner.LaunchError{Path: rt, Err: fmt.Errorf("%s: %w", spec.Name, ErrContainerNotFound)}
	}

	res, err = runtimeExec(ctx, r, rt, 5*time.Minute, runArgs(spec)...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &runner.LaunchError{Path: rt, Err: errors.New(trim(res.Stderr))}
	}
	return h, nil
}

func runArgs(spec LaunchSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)
	if spec.Command != "" {
		args = append(args, spec.Command)
	}
	return append(args, spec.Args...)
}
