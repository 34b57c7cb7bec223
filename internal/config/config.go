package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/comfyvisor/internal/assets"
	"github.com/loykin/comfyvisor/internal/auth"
	"github.com/loykin/comfyvisor/internal/cron"
	"github.com/loykin/comfyvisor/internal/detector"
	"github.com/loykin/comfyvisor/internal/env"
	"github.com/loykin/comfyvisor/internal/logger"
	"github.com/loykin/comfyvisor/internal/metrics"
	"github.com/loykin/comfyvisor/internal/process"
	"github.com/loykin/comfyvisor/internal/supervisor"
	tlsx "github.com/loykin/comfyvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides: COMFYVISOR_BACKEND_PORT=8189
// overrides backend.port.
const EnvPrefix = "COMFYVISOR"

const (
	ModeDirect    = "direct"
	ModeContainer = "container"

	// ReadinessTCP probes the backend's own port; ReadinessProcess only
	// checks that the child is alive.
	ReadinessTCP     = "tcp"
	ReadinessProcess = "process"
)

// Variables of the init.sh launch contract.
const (
	EnvDirectAddress = "DIRECT_ADDRESS"
	EnvPortHost      = "COMFYUI_PORT_HOST"
	EnvWebAuth       = "WEB_ENABLE_AUTH"
	EnvQuickTunnels  = "CF_QUICK_TUNNELS"
)

// Config represents the top-level TOML structure.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Assets  AssetsConfig   `mapstructure:"assets"`
	Backend BackendConfig  `mapstructure:"backend"`
	History HistoryConfig  `mapstructure:"history"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Log     logger.Options `mapstructure:"log"`
}

type ServerConfig struct {
	Listen           string      `mapstructure:"listen"`
	BasePath         string      `mapstructure:"base_path"`
	AllowOrigins     []string    `mapstructure:"allow_origins"`
	AllowCredentials bool        `mapstructure:"allow_credentials"`
	TLS              tlsx.Config `mapstructure:"tls"`
	Auth             auth.Config `mapstructure:"auth"`
}

type AssetsConfig struct {
	Dir string `mapstructure:"dir"`
}

// BackendConfig describes the managed ComfyUI backend.
type BackendConfig struct {
	Name     string   `mapstructure:"name"`
	Mode     string   `mapstructure:"mode"` // direct or container
	Command  string   `mapstructure:"command"`
	Args     []string `mapstructure:"args"`
	WorkDir  string   `mapstructure:"workdir"`
	Env      []string `mapstructure:"env"` // KEY=VALUE
	EnvFiles []string `mapstructure:"env_files"`

	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	WebAuth      bool   `mapstructure:"web_auth"`
	QuickTunnels bool   `mapstructure:"quick_tunnels"`

	Runtime string `mapstructure:"runtime"`
	Image   string `mapstructure:"image"`

	// Readiness is "tcp", "process" or a detector such as "cmd:curl -sf ...".
	Readiness        string        `mapstructure:"readiness"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GraceTimeout     time.Duration `mapstructure:"grace_timeout"`
	RestartTimeout   time.Duration `mapstructure:"restart_timeout"`
	Autostart        bool          `mapstructure:"autostart"`

	// RestartSchedule is an optional cron expression ("0 4 * * *", "@every 12h").
	RestartSchedule  string `mapstructure:"restart_schedule"`
	ScheduleTimeZone string `mapstructure:"schedule_time_zone"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig sets where the backend's stdout/stderr are written and how they
// rotate.
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (l LogConfig) toLogger() logger.Config {
	return logger.Config{
		Dir:        l.Dir,
		StdoutPath: l.Stdout,
		StderrPath: l.Stderr,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// HistoryConfig lists the lifecycle event sinks, one DSN each
// (sqlite, postgres, clickhouse).
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8000")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.common_name", "")
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_days", 0)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", 24*time.Hour)
	v.SetDefault("server.auth.users", []string{})
	v.SetDefault("server.auth.bcrypt_cost", 0)

	v.SetDefault("assets.dir", assets.DefaultBaseDir)

	v.SetDefault("backend.name", "comfyui")
	v.SetDefault("backend.mode", ModeDirect)
	v.SetDefault("backend.command", "init.sh")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workdir", "")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.host", "0.0.0.0")
	v.SetDefault("backend.port", 8188)
	v.SetDefault("backend.web_auth", false)
	v.SetDefault("backend.quick_tunnels", false)
	v.SetDefault("backend.runtime", process.DefaultRuntime)
	v.SetDefault("backend.image", "")
	v.SetDefault("backend.readiness", ReadinessTCP)
	v.SetDefault("backend.readiness_timeout", supervisor.DefaultReadinessTimeout)
	v.SetDefault("backend.poll_interval", supervisor.DefaultPollInterval)
	v.SetDefault("backend.grace_timeout", supervisor.DefaultGraceTimeout)
	v.SetDefault("backend.restart_timeout", supervisor.DefaultRestartTimeout)
	v.SetDefault("backend.autostart", true)
	v.SetDefault("backend.restart_schedule", "")
	v.SetDefault("backend.schedule_time_zone", "")
	v.SetDefault("backend.log.dir", "")
	v.SetDefault("backend.log.stdout", "")
	v.SetDefault("backend.log.stderr", "")
	v.SetDefault("backend.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("backend.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("backend.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("backend.log.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("metrics.resources.max_history", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
}

// Load reads the TOML file at path (optional) and applies defaults and
// COMFYVISOR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.%w", err))
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.auth: %w", err))
	}
	if strings.TrimSpace(c.Assets.Dir) == "" {
		errs = append(errs, errors.New("assets.dir is required"))
	}
	if err := c.Backend.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one history.dsns entry"))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

func (b BackendConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, errors.New("backend.name is required"))
	}
	switch b.Mode {
	case ModeDirect:
		if strings.TrimSpace(b.Command) == "" {
			errs = append(errs, errors.New("backend.command is required in direct mode"))
		}
	case ModeContainer:
		if strings.TrimSpace(b.Runtime) == "" {
			errs = append(errs, errors.New("backend.runtime is required in container mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.mode %q: want %s or %s", b.Mode, ModeDirect, ModeContainer))
	}
	if b.Port <= 0 || b.Port > 65535 {
		errs = append(errs, fmt.Errorf("backend.port %d out of range", b.Port))
	}
	for _, kv := range b.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("backend.env entry %q: want KEY=VALUE", kv))
		}
	}
	for name, d := range map[string]time.Duration{
		"readiness_timeout": b.ReadinessTimeout,
		"poll_interval":     b.PollInterval,
		"grace_timeout":     b.GraceTimeout,
		"restart_timeout":   b.RestartTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("backend.%s must not be negative", name))
		}
	}
	if _, err := b.ReadinessDetector(); err != nil {
		errs = append(errs, err)
	}
	if b.RestartSchedule != "" {
		if err := cron.Validate(b.RestartSchedule, b.ScheduleTimeZone); err != nil {
			errs = append(errs, fmt.Errorf("backend.restart_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Environ builds the backend's environment overrides: env files in order,
// then the env list, then the launch contract variables, which always win.
func (b BackendConfig) Environ() (map[string]string, error) {
	out := env.Var{}
	for _, p := range b.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("backend env file: %w", err)
		}
		for k, v := range pairs {
			out[k] = v
		}
	}
	for k, v := range env.FromList(b.Env) {
		out[k] = v
	}
	out[EnvDirectAddress] = b.Host
	out[EnvPortHost] = strconv.Itoa(b.Port)
	out[EnvWebAuth] = strconv.FormatBool(b.WebAuth)
	out[EnvQuickTunnels] = strconv.FormatBool(b.QuickTunnels)
	return out, nil
}

// LaunchSpec builds the immutable launch description of the backend.
func (b BackendConfig) LaunchSpec() (process.LaunchSpec, error) {
	envm, err := b.Environ()
	if err != nil {
		return process.LaunchSpec{}, err
	}
	spec := process.LaunchSpec{
		Name:    b.Name,
		Command: b.Command,
		Args:    b.Args,
		Env:     envm,
		WorkDir: b.WorkDir,
		Log:     b.Log.toLogger(),
	}
	if b.Mode == ModeContainer {
		spec.Image = b.Image
	}
	return process.NewLaunchSpec(spec)
}

// ProbeAddress is where the backend can be dialed from this host. A wildcard
// bind host is dialed on loopback.
func (b BackendConfig) ProbeAddress() string {
	host := b.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(b.Port))
}

// PortProbe is the detector used for the status endpoint's readiness flag.
func (b BackendConfig) PortProbe() detector.Detector {
	return detector.TCPDetector{Address: b.ProbeAddress()}
}

// ReadinessDetector maps backend.readiness to the supervisor's readiness
// check. "process" yields nil, meaning the handle's own liveness.
func (b BackendConfig) ReadinessDetector() (detector.Detector, error) {
	switch strings.TrimSpace(b.Readiness) {
	case "", ReadinessTCP:
		return b.PortProbe(), nil
	case ReadinessProcess:
		return nil, nil
	}
	d, err := detector.Parse(b.Readiness)
	if err != nil {
		return nil, fmt.Errorf("backend.readiness: %w", err)
	}
	return d, nil
}

// SupervisorOptions fills the timing and readiness fields of
// supervisor.Options; the caller adds launcher, history and logger.
func (b BackendConfig) SupervisorOptions() (supervisor.Options, error) {
	d, err := b.ReadinessDetector()
	if err != nil {
		return supervisor.Options{}, err
	}
	return supervisor.Options{
		Readiness:        d,
		ReadinessTimeout: b.ReadinessTimeout,
		PollInterval:     b.PollInterval,
		GraceTimeout:     b.GraceTimeout,
	}, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
