package supervisor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/comfyvisor/internal/detector"
	"github.com/loykin/comfyvisor/internal/history"
	"github.com/loykin/comfyvisor/internal/process"
)

// fakeHandle is a backend that stays alive until terminated or told to exit.
type fakeHandle struct {
	l    *fakeLauncher
	pid  int
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	code int
}

func (h *fakeHandle) ID() string { return strconv.Itoa(h.pid) }
func (h *fakeHandle) PID() int   { return h.pid }

func (h *fakeHandle) IsRunning(context.Context) (bool, error) {
	select {
	case <-h.done:
		return false, nil
	default:
		return true, nil
	}
}

func (h *fakeHandle) Terminate(ctx context.Context, _ time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	l := h.l
	l.terminates.Add(1)
	if n := l.activeTerms.Add(1); n > l.maxTerms.Load() {
		l.maxTerms.Store(n)
	}
	defer l.activeTerms.Add(-1)

	if l.termDelay > 0 {
		t := time.NewTimer(l.termDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	h.exit(143)
	if l.termErr != nil {
		return l.termErr
	}
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		h.l.live.Add(-1)
		close(h.done)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	err      error
	launches atomic.Int32

	live       atomic.Int32 // handles not yet exited
	maxLive    atomic.Int32
	terminates atomic.Int32

	activeTerms atomic.Int32
	maxTerms    atomic.Int32

	termDelay time.Duration
	termErr   error
	// exitAfter, when set, makes each launched handle exit on its own.
	exitAfter time.Duration
	exitCode  int
}

func (l *fakeLauncher) Launch(_ context.Context, spec process.LaunchSpec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	n := l.launches.Add(1)
	h := &fakeHandle{l: l, pid: 1000 + int(n), done: make(chan struct{})}
	if v := l.live.Add(1); v > l.maxLive.Load() {
		l.maxLive.Store(v)
	}
	l.handles = append(l.handles, h)
	if l.exitAfter > 0 {
		go func() {
			time.Sleep(l.exitAfter)
			h.exit(l.exitCode)
		}()
	}
	return h, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

// shutdown lets every fake exit so no goroutine outlives a test.
func (l *fakeLauncher) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		h.exit(0)
	}
}

func always(v bool) detector.Detector {
	return detector.Func{Name: "static", Probe: func(context.Context) (bool, error) { return v, nil }}
}

// gate reports ready once opened.
type gate struct{ open atomic.Bool }

func (g *gate) Alive(context.Context) (bool, error) { return g.open.Load(), nil }
func (g *gate) Describe() string                    { return "gate" }

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingSink) all() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}
