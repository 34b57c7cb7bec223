package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/comfyvisor/internal/assets"
	"github.com/loykin/comfyvisor/internal/detector"
	"github.com/loykin/comfyvisor/internal/supervisor"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "comfyvisor.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8000" || !cfg.Server.AllowCredentials {
		t.Fatalf("server defaults: %+v", cfg.Server)
	}
	if len(cfg.Server.AllowOrigins) != 1 || cfg.Server.AllowOrigins[0] != "*" {
		t.Fatalf("allow_origins: %v", cfg.Server.AllowOrigins)
	}
	if cfg.Assets.Dir != assets.DefaultBaseDir {
		t.Fatalf("assets dir: %s", cfg.Assets.Dir)
	}
	b := cfg.Backend
	if b.Name != "comfyui" || b.Mode != ModeDirect || b.Command != "init.sh" || b.Port != 8188 || !b.Autostart {
		t.Fatalf("backend defaults: %+v", b)
	}
	if b.ReadinessTimeout != supervisor.DefaultReadinessTimeout || b.RestartTimeout != supervisor.DefaultRestartTimeout {
		t.Fatalf("backend timeouts: %+v", b)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("log defaults: %+v", cfg.Log)
	}
	if cfg.Metrics.Enabled || cfg.Metrics.Resources.Interval != 5*time.Second {
		t.Fatalf("metrics defaults: %+v", cfg.Metrics)
	}
}

func TestLoadFromTOML(t *testing.T) {
	p := writeTOML(t, `
[server]
listen = "127.0.0.1:9000"
base_path = "/sidecar"
allow_origins = ["https://ui.example.com"]

[assets]
dir = "/data/models"

[backend]
name = "comfy"
command = "/opt/init.sh"
args = ["--lowvram"]
env = ["HF_HOME=/data/hf"]
host = "127.0.0.1"
port = 8190
quick_tunnels = true
readiness = "cmd:curl -sf http://127.0.0.1:8190/"
readiness_timeout = "5m"
grace_timeout = "20s"
autostart = false

[backend.log]
dir = "/var/log/comfy"
max_size_mb = 10

[history]
enabled = true
dsns = ["sqlite:///var/lib/comfyvisor/history.db"]

[metrics]
enabled = true
listen = ":9191"

[metrics.resources]
enabled = true
interval = "2s"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Server.BasePath != "/sidecar" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Assets.Dir != "/data/models" {
		t.Fatalf("assets: %+v", cfg.Assets)
	}
	b := cfg.Backend
	if b.Name != "comfy" || b.Port != 8190 || b.Autostart || !b.QuickTunnels {
		t.Fatalf("backend: %+v", b)
	}
	if b.ReadinessTimeout != 5*time.Minute || b.GraceTimeout != 20*time.Second {
		t.Fatalf("durations: %v %v", b.ReadinessTimeout, b.GraceTimeout)
	}
	if b.PollInterval != supervisor.DefaultPollInterval {
		t.Fatalf("poll interval should keep default, got %v", b.PollInterval)
	}
	if b.Log.Dir != "/var/log/comfy" || b.Log.MaxSizeMB != 10 {
		t.Fatalf("backend log: %+v", b.Log)
	}
	if !cfg.History.Enabled || len(cfg.History.DSNs) != 1 {
		t.Fatalf("history: %+v", cfg.History)
	}
	if !cfg.Metrics.Resources.Enabled || cfg.Metrics.Resources.Interval != 2*time.Second || cfg.Metrics.Listen != ":9191" {
		t.Fatalf("metrics: %+v", cfg.Metrics)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	d, err := b.ReadinessDetector()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(detector.CommandDetector); !ok {
		t.Fatalf("expected command detector, got %T", d)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	p := writeTOML(t, "[backend]\nport = 8190\n")
	t.Setenv("COMFYVISOR_BACKEND_PORT", "8199")
	t.Setenv("COMFYVISOR_SERVER_LISTEN", ":7000")
	t.Setenv("COMFYVISOR_BACKEND_WEB_AUTH", "true")
	t.Setenv("COMFYVISOR_ASSETS_DIR", "/mnt/models")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Port != 8199 || cfg.Server.Listen != ":7000" || !cfg.Backend.WebAuth || cfg.Assets.Dir != "/mnt/models" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Server, cfg.Backend)
	}
}

func TestLoadTLS(t *testing.T) {
	p := writeTOML(t, `
[server.tls]
enabled = true
dir = "/var/lib/comfyvisor/tls"
auto_generate = true
hosts = ["gpu-node", "10.0.0.5"]
`)
	t.Setenv("COMFYVISOR_SERVER_TLS_MIN_VERSION", "1.3")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tc := cfg.Server.TLS
	if !tc.Enabled || !tc.AutoGenerate || tc.Dir != "/var/lib/comfyvisor/tls" || tc.MinVersion != "1.3" {
		t.Fatalf("tls config: %+v", tc)
	}
	if len(tc.Hosts) != 2 || tc.Hosts[1] != "10.0.0.5" {
		t.Fatalf("tls hosts: %v", tc.Hosts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{"bad mode", "[backend]\nmode = \"vm\"\n", "backend.mode"},
		{"bad port", "[backend]\nport = 70000\n", "backend.port"},
		{"no command", "[backend]\ncommand = \"\"\n", "backend.command"},
		{"bad env", "[backend]\nenv = [\"NOEQUALS\"]\n", "backend.env"},
		{"negative grace", "[backend]\ngrace_timeout = \"-1s\"\n", "grace_timeout"},
		{"bad readiness", "[backend]\nreadiness = \"http:x\"\n", "backend.readiness"},
		{"history without dsn", "[history]\nenabled = true\n", "history.dsns"},
		{"bad schedule", "[backend]\nrestart_schedule = \"nightly\"\n", "backend.restart_schedule"},
		{"bad schedule zone", "[backend]\nrestart_schedule = \"@daily\"\nschedule_time_zone = \"Nowhere/Land\"\n", "time zone"},
		{"auth without users", "[server.auth]\nenabled = true\n", "server.auth"},
		{"tls without cert", "[server.tls]\nenabled = true\n", "server.tls"},
		{"tls bad version", "[server.tls]\nenabled = true\ndir = \"/tmp\"\nmin_version = \"1.0\"\n", "min_version"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeTOML(t, c.toml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("want error mentioning %q, got %v", c.want, err)
			}
		})
	}
}

func TestContainerModeNeedsNoCommand(t *testing.T) {
	cfg, err := Load(writeTOML(t, "[backend]\nmode = \"container\"\ncommand = \"\"\nimage = \"ghcr.io/ai-dock/comfyui\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cfg.Backend.LaunchSpec()
	if err != nil {
		t.Fatal(err)
	}
	if spec.Image != "ghcr.io/ai-dock/comfyui" || spec.Name != "comfyui" {
		t.Fatalf("spec: %+v", spec)
	}
}

func TestLaunchSpecContract(t *testing.T) {
	b := BackendConfig{
		Name:    "comfyui",
		Mode:    ModeDirect,
		Command: "init.sh",
		Host:    "0.0.0.0",
		Port:    8188,
		Env:     []string{"EXTRA=1", "WEB_ENABLE_AUTH=true"},
		Image:   "ignored-in-direct-mode",
	}
	spec, err := b.LaunchSpec()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"DIRECT_ADDRESS":    "0.0.0.0",
		"COMFYUI_PORT_HOST": "8188",
		"WEB_ENABLE_AUTH":   "false",
		"CF_QUICK_TUNNELS":  "false",
		"EXTRA":             "1",
	}
	for k, v := range want {
		if spec.Env[k] != v {
			t.Fatalf("%s = %q, want %q", k, spec.Env[k], v)
		}
	}
	if spec.Command != "init.sh" || spec.Image != "" {
		t.Fatalf("spec: %+v", spec)
	}

	// the spec is independent of later edits to the config
	b.Args = []string{"--cpu"}
	spec2, _ := b.LaunchSpec()
	spec2.Args[0] = "--mutated"
	if b.Args[0] != "--cpu" || len(spec.Args) != 0 {
		t.Fatalf("launch spec shares storage with config")
	}
}

func TestProbeAddressAndReadiness(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"0.0.0.0", "127.0.0.1:8188"},
		{"", "127.0.0.1:8188"},
		{"::", "127.0.0.1:8188"},
		{"10.0.0.5", "10.0.0.5:8188"},
		{"comfy.local", "comfy.local:8188"},
	}
	for _, c := range cases {
		b := BackendConfig{Host: c.host, Port: 8188}
		if got := b.ProbeAddress(); got != c.want {
			t.Fatalf("ProbeAddress(%q)=%q want %q", c.host, got, c.want)
		}
	}

	b := BackendConfig{Host: "0.0.0.0", Port: 8188, Readiness: ReadinessTCP}
	d, err := b.ReadinessDetector()
	if err != nil || d.Describe() != "tcp:127.0.0.1:8188" {
		t.Fatalf("tcp readiness: %v %v", d, err)
	}
	b.Readiness = ReadinessProcess
	if d, err := b.ReadinessDetector(); err != nil || d != nil {
		t.Fatalf("process readiness should be nil: %v %v", d, err)
	}
	b.Readiness = "pidfile:/run/comfy.pid"
	opts, err := b.SupervisorOptions()
	if err != nil || opts.Readiness.Describe() != "pidfile:/run/comfy.pid" {
		t.Fatalf("options: %+v %v", opts, err)
	}
}
