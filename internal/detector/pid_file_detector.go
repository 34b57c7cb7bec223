package detector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// PIDFileDetector detects the backend via a PID file written by its launcher
// script. Only the first line is read.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := ""
	if sc.Scan() {
		first = strings.TrimSpace(sc.Text())
	}
	pid, err := strconv.Atoi(first)
	if err != nil {
		return false, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}
	return pidAlive(ctx, pid)
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector checks a known pid.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(ctx context.Context) (bool, error) { return pidAlive(ctx, d.PID) }
func (d PIDDetector) Describe() string                        { return "pid:" + strconv.Itoa(d.PID) }

// pidAlive reports whether pid exists and is not a zombie.
func pidAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 || pid > 1<<22 {
		return false, nil
	}
	p32 := int32(pid) // #nosec G115
	ok, err := gproc.PidExistsWithContext(ctx, p32)
	if err != nil || !ok {
		return false, err
	}
	proc, err := gproc.NewProcessWithContext(ctx, p32)
	if err != nil {
		return false, nil
	}
	if st, err := proc.StatusWithContext(ctx); err == nil && slices.Contains(st, gproc.Zombie) {
		return false, nil
	}
	return true, nil
}
