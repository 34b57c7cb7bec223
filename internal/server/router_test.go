package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/loykin/comfyvisor/internal/assets"
	"github.com/loykin/comfyvisor/internal/detector"
	"github.com/loykin/comfyvisor/internal/history"
	"github.com/loykin/comfyvisor/internal/supervisor"
)

type fakeBackend struct {
	mu          sync.Mutex
	snap        supervisor.Snapshot
	startErr    error
	stopErr     error
	restartErr  error
	triggerErr  error
	joined      bool
	starts      int
	stops       int
	restarts    int
	triggers    int
	lastTimeout time.Duration
	stopCtxErr  error
	stopBudget  time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{snap: supervisor.Snapshot{Name: "comfyui", State: supervisor.StateRunning, PID: 4242}}
}

func (f *fakeBackend) Status() supervisor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.stopCtxErr = ctx.Err()
	if d, ok := ctx.Deadline(); ok {
		f.stopBudget = time.Until(d)
	}
	if f.stopErr == nil {
		f.snap.State = supervisor.StateStopped
	}
	return f.stopErr
}

func (f *fakeBackend) Restart(_ context.Context, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.lastTimeout = timeout
	return f.restartErr
}

func (f *fakeBackend) TriggerRestart(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	f.lastTimeout = timeout
	return f.joined, f.triggerErr
}

func (f *fakeBackend) counts() (starts, stops, restarts, triggers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.restarts, f.triggers
}

type memReader struct {
	events []history.Event
	err    error
	name   string
	limit  int
}

func (m *memReader) Recent(_ context.Context, name string, limit int) ([]history.Event, error) {
	m.name, m.limit = name, limit
	return m.events, m.err
}

type harness struct {
	h       http.Handler
	backend *fakeBackend
	store   *assets.Store
	base    string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := filepath.Join(t.TempDir(), "models")
	store, err := assets.Open(base, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fb := newFakeBackend()
	opts := Options{
		Backend:        fb,
		Assets:         store,
		RestartTimeout: time.Minute,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRouter(opts)
	require.NoError(t, err)
	return &harness{h: r.Handler(), backend: fb, store: store, base: base}
}

func (hs *harness) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	return rec
}

type formField struct{ name, value string }

func multipartBody(t *testing.T, fields []formField, fileField, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		require.NoError(t, w.WriteField(f.name, f.value))
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewRouterRequiresCollaborators(t *testing.T) {
	_, err := NewRouter(Options{})
	require.Error(t, err)
	_, err = NewRouter(Options{Backend: newFakeBackend()})
	require.Error(t, err)
}

func TestUploadAsyncTriggersRestart(t *testing.T) {
	hs := newHarness(t, nil)
	body, ct := multipartBody(t, nil, "model_file", "style.safetensors", []byte("weights"))
	rec := hs.do(t, http.MethodPost, "/upload/model/loras", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[uploadResp](t, rec)
	require.Equal(t, "success", resp.Status)
	require.Equal(t, "style.safetensors", resp.Filename)
	require.Equal(t, filepath.Join(hs.base, "loras", "style.safetensors"), resp.Path)
	require.EqualValues(t, 7, resp.Size)
	require.Equal(t, "async", resp.Restart.Mode)
	require.True(t, resp.Restart.Initiated)
	require.Nil(t, resp.Restart.OK)

	b, err := os.ReadFile(resp.Path)
	require.NoError(t, err)
	require.Equal(t, "weights", string(b))

	_, _, restarts, triggers := hs.backend.counts()
	require.Equal(t, 0, restarts)
	require.Equal(t, 1, triggers)
	require.Equal(t, time.Minute, hs.backend.lastTimeout)
}

func TestUploadAsyncReportsJoin(t *testing.T) {
	hs := newHarness(t, nil)
	hs.backend.joined = true
	body, ct := multipartBody(t, nil, "model_file", "a.ckpt", []byte("x"))
	rec := hs.do(t, http.MethodPost, "/upload/model/checkpoints", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[uploadResp](t, rec)
	require.True(t, resp.Restart.Initiated)
	require.True(t, resp.Restart.Joined)
}

func TestUploadSyncSuccess(t *testing.T) {
	hs := newHarness(t, nil)
	body, ct := multipartBody(t, nil, "model_file", "v.pt", []byte("x"))
	rec := hs.do(t, http.MethodPost, "/upload/model/vae?restart_mode=sync", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[uploadResp](t, rec)
	require.Equal(t, "sync", resp.Restart.Mode)
	require.NotNil(t, resp.Restart.OK)
	require.True(t, *resp.Restart.OK)
	require.Empty(t, resp.Restart.Error)
	_, _, restarts, triggers := hs.backend.counts()
	require.Equal(t, 1, restarts)
	require.Equal(t, 0, triggers)
}

func TestUploadSyncFailureStillSucceeds(t *testing.T) {
	hs := newHarness(t, nil)
	hs.backend.restartErr = fmt.Errorf("readiness: %w", supervisor.ErrStartupTimeout)
	body, ct := multipartBody(t, nil, "model_file", "e.bin", []byte("x"))
	rec := hs.do(t, http.MethodPost, "/upload/model/embeddings?restart_mode=sync", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[uploadResp](t, rec)
	require.Equal(t, "success", resp.Status)
	require.True(t, resp.Restart.Initiated)
	require.NotNil(t, resp.Restart.OK)
	require.False(t, *resp.Restart.OK)
	require.Equal(t, "startup_timeout", resp.Restart.Kind)
	require.Contains(t, resp.Restart.Error, "readiness")
	_, err := os.Stat(filepath.Join(hs.base, "embeddings", "e.bin"))
	require.NoError(t, err)
}

func TestUploadRestartModeFormField(t *testing.T) {
	hs := newHarness(t, nil)
	body, ct := multipartBody(t, []formField{{"restart_mode", "sync"}}, "model_file", "c.sft", []byte("x"))
	rec := hs.do(t, http.MethodPost, "/upload/model/controlnet", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sync", decode[uploadResp](t, rec).Restart.Mode)
}

func TestUploadClosedBackendNotInitiated(t *testing.T) {
	hs := newHarness(t, nil)
	hs.backend.triggerErr = supervisor.ErrClosed
	body, ct := multipartBody(t, nil, "model_file", "a.pt", []byte("x"))
	rec := hs.do(t, http.MethodPost, "/upload/model/loras", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[uploadResp](t, rec)
	require.False(t, resp.Restart.Initiated)
	require.Equal(t, "closed", resp.Restart.Kind)
}

func TestUploadRejects(t *testing.T) {
	hs := newHarness(t, nil)
	cases := []struct {
		name, path, field, filename string
	}{
		{"unknown type", "/upload/model/unets", "model_file", "a.pt"},
		{"bad extension", "/upload/model/loras", "model_file", "notes.txt"},
		{"missing file", "/upload/model/loras", "", ""},
		{"wrong field", "/upload/model/loras", "file", "a.pt"},
		{"bad mode", "/upload/model/loras?restart_mode=later", "model_file", "a.pt"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			body, ct := multipartBody(t, nil, c.field, c.filename, []byte("x"))
			rec := hs.do(t, http.MethodPost, c.path, body, ct)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.NotEmpty(t, decode[errorResp](t, rec).Error)
		})
	}
	_, _, restarts, triggers := hs.backend.counts()
	require.Zero(t, restarts+triggers, "rejected uploads must not restart")
	models, err := hs.store.List()
	require.NoError(t, err)
	require.Empty(t, models[assets.Loras])
}

func TestUploadRequiresMultipart(t *testing.T) {
	hs := newHarness(t, nil)
	rec := hs.do(t, http.MethodPost, "/upload/model/loras", bytes.NewBufferString(`{}`), "application/json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndDelete(t *testing.T) {
	hs := newHarness(t, nil)
	_, err := hs.store.Save(assets.Checkpoints, "sdxl.safetensors", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	rec := hs.do(t, http.MethodGet, "/models/list", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	models := decode[map[string][]string](t, rec)
	require.Equal(t, []string{"sdxl.safetensors"}, models["checkpoints"])
	require.Contains(t, models, "vae")

	rec = hs.do(t, http.MethodDelete, "/models/checkpoints/sdxl.safetensors", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Deleted sdxl.safetensors", decode[deleteResp](t, rec).Message)

	rec = hs.do(t, http.MethodDelete, "/models/checkpoints/sdxl.safetensors", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Model not found", decode[errorResp](t, rec).Error)

	rec = hs.do(t, http.MethodDelete, "/models/unets/x.pt", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusWithProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	hs := newHarness(t, func(o *Options) {
		o.Probe = detector.TCPDetector{Address: ln.Addr().String(), Timeout: time.Second}
	})
	rec := hs.do(t, http.MethodGet, "/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[statusResp](t, rec)
	require.Equal(t, supervisor.StateRunning, resp.State)
	require.Equal(t, 4242, resp.PID)
	require.True(t, resp.Ready)
	require.Equal(t, "tcp:"+ln.Addr().String(), resp.Probe)
	require.Nil(t, resp.Resources)
}

func TestStatusReadyIndependentOfState(t *testing.T) {
	hs := newHarness(t, func(o *Options) {
		o.Probe = detector.Func{Name: "down", Probe: func(context.Context) (bool, error) {
			return false, errors.New("connection refused")
		}}
	})
	rec := hs.do(t, http.MethodGet, "/status", nil, "")
	resp := decode[statusResp](t, rec)
	require.Equal(t, supervisor.StateRunning, resp.State)
	require.False(t, resp.Ready)
	require.Equal(t, "connection refused", resp.ProbeError)
}

func TestRestartAsync(t *testing.T) {
	hs := newHarness(t, nil)
	rec := hs.do(t, http.MethodPost, "/restart?timeout=90", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, decode[triggerResp](t, rec).Initiated)
	require.Equal(t, 90*time.Second, hs.backend.lastTimeout)
}

func TestRestartWait(t *testing.T) {
	hs := newHarness(t, nil)
	rec := hs.do(t, http.MethodPost, "/restart?wait=true&timeout=2m", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[lifecycleResp](t, rec).OK)
	require.Equal(t, 2*time.Minute, hs.backend.lastTimeout)
}

func TestRestartErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"joined timeout", supervisor.ErrConcurrentRestartTimeout, http.StatusGatewayTimeout, "concurrent_restart_timeout"},
		{"restart timeout", supervisor.ErrRestartTimeout, http.StatusGatewayTimeout, "restart_timeout"},
		{"closed", supervisor.ErrClosed, http.StatusServiceUnavailable, "closed"},
		{"launch", fmt.Errorf("boom: %w", supervisor.ErrLaunch), http.StatusInternalServerError, "launch"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			hs := newHarness(t, nil)
			hs.backend.restartErr = c.err
			rec := hs.do(t, http.MethodPost, "/restart?wait=1", nil, "")
			require.Equal(t, c.code, rec.Code)
			require.Equal(t, c.kind, decode[errorResp](t, rec).Kind)
		})
	}
}

func TestRestartBadParams(t *testing.T) {
	hs := newHarness(t, nil)
	for _, q := range []string{"wait=maybe", "timeout=soon", "timeout=-5s", "timeout=0"} {
		rec := hs.do(t, http.MethodPost, "/restart?"+q, nil, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStartAndStop(t *testing.T) {
	hs := newHarness(t, nil)
	hs.backend.startErr = fmt.Errorf("%w: start from running", supervisor.ErrInvalidTransition)
	rec := hs.do(t, http.MethodPost, "/start", nil, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_transition", decode[errorResp](t, rec).Kind)

	rec = hs.do(t, http.MethodPost, "/stop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, supervisor.StateStopped, decode[lifecycleResp](t, rec).Status.State)

	hs.backend.startErr = nil
	rec = hs.do(t, http.MethodPost, "/start", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	starts, stops, _, _ := hs.backend.counts()
	require.Equal(t, 2, starts)
	require.Equal(t, 1, stops)
}

func TestStopOutlivesClientDisconnect(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.GraceTimeout = 5 * time.Second })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/stop", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	hs.backend.mu.Lock()
	defer hs.backend.mu.Unlock()
	require.NoError(t, hs.backend.stopCtxErr)
	require.Greater(t, hs.backend.stopBudget, 5*time.Second)
	require.LessOrEqual(t, hs.backend.stopBudget, 5*time.Second+stopMargin)
}

func TestHistory(t *testing.T) {
	hs := newHarness(t, nil)
	rec := hs.do(t, http.MethodGet, "/history", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code, "route only exists with a reader")

	reader := &memReader{events: []history.Event{{Type: history.EventStart, Record: history.Record{Name: "comfyui"}}}}
	hs = newHarness(t, func(o *Options) { o.History = reader })
	rec = hs.do(t, http.MethodGet, "/history?limit=5000", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[historyResp](t, rec).Events, 1)
	require.Equal(t, "comfyui", reader.name)
	require.Equal(t, maxHistoryLimit, reader.limit)

	rec = hs.do(t, http.MethodGet, "/history?limit=x", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	reader.err = history.ErrNotReadable
	rec = hs.do(t, http.MethodGet, "/history", nil, "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthzUnderBasePath(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.BasePath = "/sidecar/" })
	rec := hs.do(t, http.MethodGet, "/sidecar/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[okResp](t, rec).OK)
	rec = hs.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.CORS = CORSConfig{AllowCredentials: true} })

	req := httptest.NewRequest(http.MethodOptions, "/upload/model/loras", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec = httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	hs := newHarness(t, func(o *Options) { o.CORS = CORSConfig{AllowOrigins: []string{"https://ok.example"}} })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec = httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
