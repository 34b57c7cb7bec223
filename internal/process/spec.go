package process

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/comfyvisor/internal/env"
	"github.com/loykin/comfyvisor/internal/logger"
)

// LaunchSpec describes how to bring up the managed backend. It is built once
// from configuration; holders keep their own Clone so later edits to the
// source never leak into a running supervisor.
type LaunchSpec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"` // executable path or name (direct mode)
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"` // overrides layered on the OS environment
	WorkDir string            `json:"work_dir"`
	Image   string            `json:"image,omitempty"` // container mode: image used when the container does not exist yet
	Log     logger.Config     `json:"log"`
}

// Clone returns a deep copy.
func (s LaunchSpec) Clone() LaunchSpec {
	c := s
	c.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		c.Env = env.Var(s.Env).Clone()
	}
	return c
}

// Validate checks the fields every launcher relies on.
func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("launch spec: name is required")
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("launch spec %s: invalid env key %q", s.Name, k)
		}
	}
	return nil
}

// Environ composes the child's environment: the current OS environment with
// Env layered on top.
func (s LaunchSpec) Environ() []string {
	return env.Compose(env.FromOS(), s.Env)
}

// NewLaunchSpec validates s and returns an independent copy of it.
func NewLaunchSpec(s LaunchSpec) (LaunchSpec, error) {
	if err := s.Validate(); err != nil {
		return LaunchSpec{}, err
	}
	return s.Clone(), nil
}
