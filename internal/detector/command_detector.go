package detector

import (
	"context"
	"strings"
	"time"

	"github.com/loykin/comfyvisor/internal/runner"
)

const defaultCommandTimeout = 10 * time.Second

// CommandDetector runs a command that should exit 0 if the backend is up.
type CommandDetector struct {
	Command string
	Timeout time.Duration
	Runner  *runner.Runner
}

// buildCommand avoids a shell unless shell metacharacters are present.
func buildCommand(cmdStr string) runner.Command {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return runner.Command{Path: "true"}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return runner.Command{Path: "/bin/sh", Args: []string{"-c", cmdStr}}
	}
	parts := strings.Fields(cmdStr)
	return runner.Command{Path: parts[0], Args: parts[1:]}
}

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	c := buildCommand(d.Command)
	c.Timeout = d.Timeout
	if c.Timeout <= 0 {
		c.Timeout = defaultCommandTimeout
	}
	r := d.Runner
	if r == nil {
		r = runner.New(nil)
	}
	res, err := r.Run(ctx, c)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
