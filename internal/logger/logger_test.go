package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWriters_DirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW := cfg.ProcessWriters("comfyui")
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers when Dir is set")
	}
	_, _ = outW.Write([]byte("out\n"))
	_, _ = errW.Write([]byte("err\n"))
	_ = outW.Close()
	_ = errW.Close()
	for _, name := range []string{"comfyui.stdout.log", "comfyui.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
}

func TestProcessWriters_ExplicitPathWinsOverDir(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "custom.out")
	cfg := Config{Dir: dir, StdoutPath: sp}
	outW, errW := cfg.ProcessWriters("x")
	if got := outW.(*lj.Logger).Filename; got != sp {
		t.Fatalf("stdout path: got %q want %q", got, sp)
	}
	if got := errW.(*lj.Logger).Filename; got != filepath.Join(dir, "x.stderr.log") {
		t.Fatalf("stderr path: got %q", got)
	}
}

func TestProcessWriters_NoDestination(t *testing.T) {
	var cfg Config
	if cfg.Enabled() {
		t.Fatalf("zero config should not be enabled")
	}
	outW, errW := cfg.ProcessWriters("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers, got %v %v", outW, errW)
	}
}

func TestProcessWriters_RotationDefaults(t *testing.T) {
	cfg := Config{StdoutPath: "a", StderrPath: "b", MaxBackups: 9}
	outW, _ := cfg.ProcessWriters("n")
	l := outW.(*lj.Logger)
	if l.MaxSize != DefaultMaxSizeMB || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", l)
	}
	if l.MaxBackups != 9 {
		t.Fatalf("explicit MaxBackups lost: %d", l.MaxBackups)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONIncludesContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Format: "json", Output: &buf})
	ctx := ContextAttrs(context.Background(), slog.String("restart_id", "r1"))
	ctx = ContextAttrs(ctx, slog.Int("attempt", 2))
	log.DebugContext(ctx, "restarting", "name", "comfyui")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if rec["restart_id"] != "r1" || rec["attempt"] != float64(2) || rec["name"] != "comfyui" {
		t.Fatalf("missing attrs: %v", rec)
	}
}

func TestNew_ColorText(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Color: true, Output: &buf}).With("component", "test")
	log.Warn("careful")
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "careful") || !strings.Contains(out, "component=test") {
		t.Fatalf("unexpected output %q", out)
	}
	buf.Reset()
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}
}
