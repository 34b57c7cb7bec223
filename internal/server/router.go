package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/comfyvisor/internal/assets"
	"github.com/loykin/comfyvisor/internal/auth"
	"github.com/loykin/comfyvisor/internal/detector"
	"github.com/loykin/comfyvisor/internal/history"
	"github.com/loykin/comfyvisor/internal/metrics"
	"github.com/loykin/comfyvisor/internal/supervisor"
)

// Backend is the part of the supervisor the HTTP boundary drives.
type Backend interface {
	Status() supervisor.Snapshot
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, timeout time.Duration) error
	TriggerRestart(timeout time.Duration) (joined bool, err error)
}

// Options wires the router to the supervisor, the asset store and the
// optional status extras.
type Options struct {
	BasePath string
	Backend  Backend
	Assets   *assets.Store
	// Probe checks the backend's listening port for GET /status, independent
	// of the supervisor's own state.
	Probe detector.Detector
	// Resources, when set, adds the latest resource sample to GET /status.
	Resources *metrics.ResourceSampler
	// History, when set, serves GET /history.
	History history.Reader
	// Auth, when set, requires credentials on every endpoint except
	// /healthz and serves POST /auth/login.
	Auth           *auth.Service
	RestartTimeout time.Duration
	// GraceTimeout is the backend's SIGTERM grace. POST /stop runs detached
	// from the request, bounded by it plus a margin.
	GraceTimeout time.Duration
	CORS         CORSConfig
	Logger       *slog.Logger
}

// Router provides embeddable HTTP handlers for the sidecar.
// Endpoints:
//
//	POST   {basePath}/upload/model/:model_type  multipart field model_file; query restart_mode=async|sync
//	GET    {basePath}/models/list
//	DELETE {basePath}/models/:model_type/:filename
//	GET    {basePath}/status
//	POST   {basePath}/restart                   query: wait=true&timeout=60s
//	POST   {basePath}/start
//	POST   {basePath}/stop
//	GET    {basePath}/history                   query: limit=50
//	GET    {basePath}/healthz
//	POST   {basePath}/auth/login                only with Auth
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	opts     Options
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a new Router. Backend and Assets are required.
func NewRouter(opts Options) (*Router, error) {
	if opts.Backend == nil {
		return nil, errors.New("server: backend required")
	}
	if opts.Assets == nil {
		return nil, errors.New("server: asset store required")
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = supervisor.DefaultRestartTimeout
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = supervisor.DefaultGraceTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), log: log}, nil
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), corsMiddleware(r.opts.CORS))
	if r.opts.Auth != nil {
		g.Use(r.opts.Auth.GinAuth(r.basePath+"/healthz", r.basePath+"/auth/login"))
	}
	group := g.Group(r.basePath)
	if r.opts.Auth != nil {
		group.POST("/auth/login", r.opts.Auth.LoginHandler)
	}
	group.POST("/upload/model/:model_type", r.handleUpload)
	group.GET("/models/list", r.handleList)
	group.DELETE("/models/:model_type/:filename", r.handleDelete)
	group.GET("/status", r.handleStatus)
	group.POST("/restart", r.handleRestart)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/healthz", r.handleHealthz)
	if r.opts.History != nil {
		group.GET("/history", r.handleHistory)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server's Shutdown or Close.
func NewServer(addr string, opts Options) (*http.Server, error) {
	r, err := NewRouter(opts)
	if err != nil {
		return nil, err
	}
	// uploads can take minutes, so only headers get a read deadline
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}
