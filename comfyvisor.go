package comfyvisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/comfyvisor/internal/assets"
	"github.com/loykin/comfyvisor/internal/auth"
	"github.com/loykin/comfyvisor/internal/config"
	"github.com/loykin/comfyvisor/internal/cron"
	"github.com/loykin/comfyvisor/internal/history"
	"github.com/loykin/comfyvisor/internal/history/factory"
	"github.com/loykin/comfyvisor/internal/logger"
	"github.com/loykin/comfyvisor/internal/metrics"
	"github.com/loykin/comfyvisor/internal/process"
	"github.com/loykin/comfyvisor/internal/runner"
	iapi "github.com/loykin/comfyvisor/internal/server"
	"github.com/loykin/comfyvisor/internal/supervisor"
	tlsx "github.com/loykin/comfyvisor/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type LaunchSpec = process.LaunchSpec

type Snapshot = supervisor.Snapshot

type State = supervisor.State

type HistorySink = history.Sink

const (
	StateStopped  = supervisor.StateStopped
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateStopping = supervisor.StateStopping
	StateFailed   = supervisor.StateFailed
)

var (
	ErrStartupTimeout           = supervisor.ErrStartupTimeout
	ErrConcurrentRestartTimeout = supervisor.ErrConcurrentRestartTimeout
	ErrRestartTimeout           = supervisor.ErrRestartTimeout
	ErrInvalidTransition        = supervisor.ErrInvalidTransition
	ErrClosed                   = supervisor.ErrClosed
	ErrLaunch                   = supervisor.ErrLaunch
	ErrTerminationTimeout       = supervisor.ErrTerminationTimeout
	ErrRuntimeUnavailable       = supervisor.ErrRuntimeUnavailable
)

const shutdownTimeout = 30 * time.Second

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Service is the assembled sidecar: the backend supervisor, the model store,
// the history sinks and the optional resource sampler.
type Service struct {
	cfg     *Config
	log     *slog.Logger
	sup     *supervisor.Supervisor
	store   *assets.Store
	sinks   history.Multi
	sampler *metrics.ResourceSampler
	sched   *cron.Scheduler
	auth    *auth.Service
	tls     *tls.Config

	closeOnce sync.Once
	closeErr  error
}

// NewService wires a Service from cfg. A nil logger builds one from cfg.Log.
func NewService(cfg *Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("comfyvisor: config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New(cfg.Log)
	}
	spec, err := cfg.Backend.LaunchSpec()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Backend.SupervisorOptions()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsx.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	authSvc, err := auth.New(cfg.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("server auth: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	store, err := assets.Open(cfg.Assets.Dir, log)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, log: log, store: store, tls: tlsCfg, auth: authSvc}
	if cfg.History.Enabled {
		if s.sinks, err = factory.NewSinks(cfg.History.DSNs); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	opts.Launcher = newLauncher(cfg.Backend, log)
	opts.Logger = log
	if len(s.sinks) > 0 {
		opts.History = []history.Sink{s.sinks}
	}
	if s.sup, err = supervisor.New(spec, opts); err != nil {
		_ = s.sinks.Close()
		_ = store.Close()
		return nil, err
	}

	if b := cfg.Backend; b.RestartSchedule != "" {
		if s.sched, err = cron.New(b.Name, b.RestartSchedule, b.ScheduleTimeZone, b.RestartTimeout, s.sup, log); err != nil {
			_ = s.Close(context.Background())
			return nil, err
		}
	}
	if rc := cfg.Metrics.Resources; rc.Enabled {
		s.sampler = metrics.NewResourceSampler(spec.Name, rc, s.sup.PID)
		if cfg.Metrics.Enabled {
			if err := s.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				log.Warn("resource metrics not registered", "error", err)
			}
		}
	}
	return s, nil
}

func newLauncher(b config.BackendConfig, log *slog.Logger) process.Launcher {
	r := runner.New(log)
	if b.Mode == config.ModeContainer {
		return process.ContainerLauncher{Runtime: b.Runtime, Runner: r}
	}
	return process.DirectLauncher{Runner: r, Logger: log}
}

func (s *Service) Supervisor() *supervisor.Supervisor { return s.sup }

func (s *Service) Assets() *assets.Store { return s.store }

// RouterOptions returns the HTTP router wiring for this service.
func (s *Service) RouterOptions() iapi.Options {
	opts := iapi.Options{
		BasePath:       s.cfg.Server.BasePath,
		Backend:        s.sup,
		Assets:         s.store,
		Probe:          s.cfg.Backend.PortProbe(),
		Resources:      s.sampler,
		Auth:           s.auth,
		RestartTimeout: s.cfg.Backend.RestartTimeout,
		GraceTimeout:   s.cfg.Backend.GraceTimeout,
		CORS: iapi.CORSConfig{
			AllowOrigins:     s.cfg.Server.AllowOrigins,
			AllowCredentials: s.cfg.Server.AllowCredentials,
		},
		Logger: s.log,
	}
	if len(s.sinks) > 0 {
		opts.History = s.sinks
	}
	return opts
}

// Handler returns the sidecar API as an http.Handler for embedding.
func (s *Service) Handler() (http.Handler, error) {
	r, err := iapi.NewRouter(s.RouterOptions())
	if err != nil {
		return nil, err
	}
	return r.Handler(), nil
}

// Run serves the API (over TLS when configured) and /metrics when enabled,
// starts the backend when autostart is set, and blocks until ctx ends. It
// then shuts the servers down and closes the service. A failed initial start is logged, not fatal:
// the API stays up so a caller can retry with POST /start.
func (s *Service) Run(ctx context.Context) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	servers := []*http.Server{newHTTPServer(s.cfg.Server.Listen, h)}
	if s.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, newHTTPServer(s.cfg.Metrics.Listen, mux))
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return errors.Join(fmt.Errorf("listen %s: %w", srv.Addr, err), s.Close(cctx))
		}
		// only the API listener is served over TLS
		if len(listeners) == 0 && s.tls != nil {
			ln = tls.NewListener(ln, s.tls)
		}
		s.log.Info("listening", "addr", ln.Addr().String(), "tls", len(listeners) == 0 && s.tls != nil)
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if s.sampler != nil {
		s.sampler.Start(gctx)
	}
	if s.sched != nil {
		s.sched.Start()
	}
	if s.cfg.Backend.Autostart {
		g.Go(func() error {
			if err := s.sup.Start(gctx); err != nil {
				s.log.Error("initial backend start failed", "error", err, "kind", supervisor.Kind(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, s.Close(cctx))
}

// Close stops the backend and releases the store and history sinks.
// Calls after the first return its result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.sched != nil {
			s.sched.Stop()
		}
		if s.sampler != nil {
			s.sampler.Stop()
		}
		if err := s.sup.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.sinks.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	// uploads can take minutes, so only headers get a read deadline
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewHTTPServer starts an HTTP server exposing the sidecar API of s.
func NewHTTPServer(addr string, s *Service) (*http.Server, error) {
	return iapi.NewServer(addr, s.RouterOptions())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
