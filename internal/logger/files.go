package logger

import (
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults applied when a Config field is zero.
const (
	DefaultMaxSizeMB  = 50
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 14
)

// Config describes where the managed backend's stdout/stderr are written.
// When StdoutPath/StderrPath are empty and Dir is set, the files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation follows
// lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout" mapstructure:"stdout"`
	StderrPath string `json:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether any file destination is configured.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// ProcessWriters returns rotating writers for the named process. Either writer
// is nil when no destination resolves for that stream.
func (c Config) ProcessWriters(name string) (stdout io.WriteCloser, stderr io.WriteCloser) {
	if p := c.resolve(c.StdoutPath, name, "stdout"); p != "" {
		stdout = c.rotating(p)
	}
	if p := c.resolve(c.StderrPath, name, "stderr"); p != "" {
		stderr = c.rotating(p)
	}
	return stdout, stderr
}

func (c Config) resolve(explicit, name, stream string) string {
	if explicit != "" {
		return explicit
	}
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, name+"."+stream+".log")
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    orDefault(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: orDefault(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     orDefault(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
