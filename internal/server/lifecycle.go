package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/comfyvisor/internal/history"
	"github.com/loykin/comfyvisor/internal/metrics"
	"github.com/loykin/comfyvisor/internal/supervisor"
)

const (
	probeTimeout        = 3 * time.Second
	stopMargin          = 15 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	supervisor.Snapshot
	// Ready is the port probe result, not the supervisor's opinion.
	Ready      bool                    `json:"ready"`
	Probe      string                  `json:"probe,omitempty"`
	ProbeError string                  `json:"probe_error,omitempty"`
	Resources  *metrics.ResourceSample `json:"resources,omitempty"`
}

type lifecycleResp struct {
	OK     bool                `json:"ok"`
	Status supervisor.Snapshot `json:"status"`
}

type triggerResp struct {
	Initiated bool `json:"initiated"`
	Joined    bool `json:"joined"`
}

type historyResp struct {
	Events []history.Event `json:"events"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Snapshot: r.opts.Backend.Status()}
	if p := r.opts.Probe; p != nil {
		resp.Probe = p.Describe()
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		ok, err := p.Alive(ctx)
		cancel()
		resp.Ready = ok
		if err != nil {
			resp.ProbeError = err.Error()
		}
	}
	if rs := r.opts.Resources; rs != nil && resp.PID > 0 {
		if s, ok := rs.Latest(); ok && int(s.PID) == resp.PID {
			resp.Resources = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.opts.Backend.Start(c.Request.Context()); err != nil {
		r.writeBackendError(c, "start", err)
		return
	}
	writeJSON(c, http.StatusOK, lifecycleResp{OK: true, Status: r.opts.Backend.Status()})
}

// handleStop does not let a client disconnect cut the grace period short.
func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), r.opts.GraceTimeout+stopMargin)
	defer cancel()
	if err := r.opts.Backend.Stop(ctx); err != nil {
		r.writeBackendError(c, "stop", err)
		return
	}
	writeJSON(c, http.StatusOK, lifecycleResp{OK: true, Status: r.opts.Backend.Status()})
}

// handleRestart is fire-and-forget unless wait=true.
func (r *Router) handleRestart(c *gin.Context) {
	wait, err := parseBool(c.Query("wait"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
		return
	}
	timeout, err := parseTimeout(c.Query("timeout"), r.opts.RestartTimeout)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + err.Error()})
		return
	}
	if !wait {
		joined, err := r.opts.Backend.TriggerRestart(timeout)
		if err != nil {
			r.writeBackendError(c, "restart", err)
			return
		}
		writeJSON(c, http.StatusAccepted, triggerResp{Initiated: true, Joined: joined})
		return
	}
	if err := r.opts.Backend.Restart(c.Request.Context(), timeout); err != nil {
		r.writeBackendError(c, "restart", err)
		return
	}
	writeJSON(c, http.StatusOK, lifecycleResp{OK: true, Status: r.opts.Backend.Status()})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	name := r.opts.Backend.Status().Name
	events, err := r.opts.History.Recent(c.Request.Context(), name, limit)
	if err != nil {
		if errors.Is(err, history.ErrNotReadable) {
			writeJSON(c, http.StatusNotImplemented, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, historyResp{Events: events})
}

func (r *Router) writeBackendError(c *gin.Context, op string, err error) {
	code := backendErrorStatus(err)
	kind := supervisor.Kind(err)
	if code >= http.StatusInternalServerError {
		r.log.Warn("backend "+op+" failed", "error", err, "kind", kind)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
}

func backendErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed), errors.Is(err, supervisor.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrConcurrentRestartTimeout),
		errors.Is(err, supervisor.ErrRestartTimeout),
		errors.Is(err, supervisor.ErrStartupTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
