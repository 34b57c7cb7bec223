package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/comfyvisor/internal/detector"
	"github.com/loykin/comfyvisor/internal/history"
	"github.com/loykin/comfyvisor/internal/logger"
	"github.com/loykin/comfyvisor/internal/metrics"
	"github.com/loykin/comfyvisor/internal/process"
)

const (
	DefaultReadinessTimeout = 120 * time.Second
	DefaultPollInterval     = 2 * time.Second
	DefaultGraceTimeout     = 10 * time.Second
	DefaultRestartTimeout   = 3 * time.Minute

	initialPoll  = 250 * time.Millisecond
	exitCodeWait = 2 * time.Second
	launchMargin = 30 * time.Second
	restartKey   = "restart"
)

// Options configures a Supervisor. Zero durations take the defaults above.
type Options struct {
	Launcher process.Launcher
	// Readiness decides when a launched backend counts as running. Nil uses
	// the handle's own liveness.
	Readiness        detector.Detector
	ReadinessTimeout time.Duration
	// PollInterval caps the readiness backoff, which starts at 250ms and
	// doubles.
	PollInterval time.Duration
	GraceTimeout time.Duration
	History      []history.Sink
	Logger       *slog.Logger
}

// Snapshot is a point-in-time copy of the managed backend's state.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	PID             int       `json:"pid,omitempty"`
	HandleID        string    `json:"handle_id,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Restarts        int       `json:"restarts"`
	Generation      uint64    `json:"generation"`
	RestartInFlight bool      `json:"restart_in_flight"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Supervisor owns the single managed backend. Every transition runs with the
// operation slot held; Status only takes the read lock and never waits on an
// operation.
type Supervisor struct {
	spec   process.LaunchSpec
	opts   Options
	log    *slog.Logger
	events *history.Dispatcher

	ops      chan struct{} // one slot: serializes start/restart/stop
	restarts singleflight.Group
	inflight atomic.Bool
	wg       sync.WaitGroup // monitors, starts and triggered restarts
	// life ends on Close and aborts detached starts and restarts
	life context.Context
	kill context.CancelFunc

	mu        sync.RWMutex
	state     State
	handle    process.Handle
	exited    chan struct{}
	stopWatch context.CancelFunc
	exitCode  *int
	startedAt time.Time
	lastErr   error
	nRestarts int
	gen       uint64
	updatedAt time.Time
	closed    bool
}

// New validates spec and builds a stopped Supervisor. Nothing is launched
// until Start or Restart.
func New(spec process.LaunchSpec, opts Options) (*Supervisor, error) {
	spec, err := process.NewLaunchSpec(spec)
	if err != nil {
		return nil, err
	}
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = DefaultReadinessTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = DefaultGraceTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	life, kill := context.WithCancel(context.Background())
	s := &Supervisor{
		life:      life,
		kill:      kill,
		spec:      spec,
		opts:      opts,
		log:       opts.Logger.With("backend", spec.Name),
		ops:       make(chan struct{}, 1),
		state:     StateStopped,
		updatedAt: time.Now(),
	}
	if len(opts.History) > 0 {
		s.events = history.NewDispatcher(history.Multi(opts.History), s.log)
	}
	metrics.SetCurrentState(spec.Name, StateStopped.String(), true)
	return s, nil
}

// Spec returns a copy of the launch spec.
func (s *Supervisor) Spec() process.LaunchSpec { return s.spec.Clone() }

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.ops }

func (s *Supervisor) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Status returns a snapshot. It never blocks on an in-flight operation.
func (s *Supervisor) Status() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Name:            s.spec.Name,
		State:           s.state,
		StartedAt:       s.startedAt,
		Restarts:        s.nRestarts,
		Generation:      s.gen,
		RestartInFlight: s.inflight.Load(),
		UpdatedAt:       s.updatedAt,
	}
	if s.handle != nil {
		snap.PID = s.handle.PID()
		snap.HandleID = s.handle.ID()
	}
	if s.exitCode != nil {
		c := *s.exitCode
		snap.ExitCode = &c
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
		snap.ErrorKind = Kind(s.lastErr)
	}
	return snap
}

// PID returns the pid of the current backend, or 0.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Start launches the backend and waits for readiness. It is valid from
// stopped or failed; a handle left over from a failed run is terminated
// first. ctx bounds waiting for the operation slot and for the result only:
// once the slot is held the start runs to completion, bounded by
// startBudget, even if the caller goes away.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if s.isClosed() {
		s.release()
		return ErrClosed
	}
	if st := s.Status().State; st != StateStopped && st != StateFailed {
		s.release()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, st)
	}

	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.startBudget())
		defer cancel()
		defer context.AfterFunc(s.life, cancel)()
		if err := s.reapLocked(sctx); err != nil {
			done <- err
			return
		}
		done <- s.startLocked(sctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.log.WarnContext(ctx, "start caller gave up, start continues", "error", ctx.Err())
		return ctx.Err()
	}
}

// startBudget bounds a detached start: reaping a leftover handle, the
// launch and the readiness wait.
func (s *Supervisor) startBudget() time.Duration {
	return s.opts.GraceTimeout + exitCodeWait + launchMargin + s.opts.ReadinessTimeout
}

// Restart stops the backend and starts it again within timeout. Concurrent
// callers join the restart already in flight and all observe its result. A
// joined caller whose own timeout elapses first gets
// ErrConcurrentRestartTimeout while the restart continues. The timeout is a
// hard deadline for the restart itself and does not depend on the leading
// caller's ctx; when it expires the supervisor is forced to failed.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) error {
	if s.isClosed() {
		return ErrClosed
	}
	if timeout <= 0 {
		timeout = DefaultRestartTimeout
	}
	var led atomic.Bool
	ch := s.restarts.DoChan(restartKey, func() (any, error) {
		led.Store(true)
		return nil, s.runRestart(context.WithoutCancel(ctx), timeout)
	})

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if !led.Load() {
		return ErrConcurrentRestartTimeout
	}
	// the leader's restart enforces the same deadline and returns right after it
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerRestart starts a restart in the background, or joins the one in
// flight. joined reports the latter. It fails only when the supervisor is
// closed.
func (s *Supervisor) TriggerRestart(timeout time.Duration) (joined bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	joined = s.inflight.Load()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Restart(context.Background(), timeout); err != nil {
			s.log.Warn("triggered restart failed", "error", err, "kind", Kind(err))
		}
	}()
	return joined, nil
}

func (s *Supervisor) runRestart(ctx context.Context, timeout time.Duration) error {
	rid := uuid.NewString()
	ctx = context.WithValue(ctx, ridKey{}, rid)
	ctx = logger.ContextAttrs(ctx, slog.String("restart_id", rid))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer context.AfterFunc(s.life, cancel)()

	s.inflight.Store(true)
	metrics.SetRestartInFlight(s.spec.Name, true)
	defer func() {
		s.inflight.Store(false)
		metrics.SetRestartInFlight(s.spec.Name, false)
	}()

	if err := s.acquire(ctx); err != nil {
		// never ran; whoever holds the slot owns the state
		metrics.IncRestart(s.spec.Name, "failed")
		return fmt.Errorf("%w after %s: waiting for another operation: %w", ErrRestartTimeout, timeout, err)
	}
	defer s.release()
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	s.nRestarts++
	from := s.state
	s.mu.Unlock()
	s.log.InfoContext(ctx, "restart requested", "from", from.String(), "timeout", timeout)
	s.emit(ctx, history.EventRestart)

	if err := s.stopLocked(ctx); err != nil {
		return s.restartFailed(ctx, timeout, err)
	}
	if err := s.startLocked(ctx); err != nil {
		return s.restartFailed(ctx, timeout, err)
	}
	metrics.IncRestart(s.spec.Name, "ok")
	return nil
}

// restartFailed turns a deadline hit into ErrRestartTimeout and makes sure
// the supervisor is left in failed.
func (s *Supervisor) restartFailed(ctx context.Context, timeout time.Duration, err error) error {
	metrics.IncRestart(s.spec.Name, "failed")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrRestartTimeout, timeout, err)
		s.forceFailed(ctx, err)
		return err
	}
	return err
}

// Stop terminates the backend and leaves the supervisor stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.stopLocked(ctx)
}

// Close stops the backend, waits for background work and refuses further
// operations with ErrClosed. A second Close returns nil.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.kill()

	var errs []error
	if err := s.acquire(ctx); err != nil {
		errs = append(errs, err)
	} else {
		if err := s.stopLocked(ctx); err != nil {
			errs = append(errs, err)
		}
		s.release()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if s.events != nil {
		if err := s.events.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startLocked runs Starting -> Running|Failed. The caller holds the slot.
func (s *Supervisor) startLocked(ctx context.Context) error {
	s.transition(ctx, StateStarting, nil)
	began := time.Now()

	h, err := s.opts.Launcher.Launch(ctx, s.spec)
	if err != nil {
		err = fmt.Errorf("launch %s: %w", s.spec.Name, err)
		s.transition(ctx, StateFailed, err)
		return err
	}
	exited := s.attach(h)
	s.log.InfoContext(ctx, "backend launched", "id", h.ID(), "pid", h.PID())

	if err := s.awaitReady(ctx, h, exited); err != nil {
		// failed never keeps a live child holding the port
		s.terminateBestEffort(ctx, h)
		s.transition(ctx, StateFailed, err)
		return err
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.transition(ctx, StateRunning, nil)
	metrics.IncStart(s.spec.Name)
	metrics.ObserveStartDuration(s.spec.Name, time.Since(began).Seconds())
	s.log.InfoContext(ctx, "backend ready", "pid", h.PID(), "took", time.Since(began).Round(time.Millisecond))
	s.emit(ctx, history.EventStart)
	return nil
}

// awaitReady polls readiness: immediately, then with a backoff from
// initialPoll doubling up to PollInterval, never sleeping past the deadline.
func (s *Supervisor) awaitReady(ctx context.Context, h process.Handle, exited <-chan struct{}) error {
	deadline := time.Now().Add(s.opts.ReadinessTimeout)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	delay := initialPoll
	for {
		ok, err := s.probe(rctx, h)
		if ok {
			return nil
		}
		if err != nil {
			s.log.DebugContext(ctx, "readiness probe error", "error", err)
		}
		wait := min(delay, s.opts.PollInterval, time.Until(deadline))
		if wait <= 0 {
			return s.readinessExpired(ctx)
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-exited:
			t.Stop()
			code := -1
			if c := s.Status().ExitCode; c != nil {
				code = *c
			}
			return fmt.Errorf("%w (exit code %d)", ErrExitedDuringStartup, code)
		case <-rctx.Done():
			t.Stop()
			return s.readinessExpired(ctx)
		}
		delay *= 2
	}
}

func (s *Supervisor) readinessExpired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrStartupTimeout, s.opts.ReadinessTimeout)
}

func (s *Supervisor) probe(ctx context.Context, h process.Handle) (bool, error) {
	if s.opts.Readiness != nil {
		return s.opts.Readiness.Alive(ctx)
	}
	return h.IsRunning(ctx)
}

// stopLocked runs Stopping -> Stopped|Failed. Without a handle it only
// settles the state. The caller holds the slot.
func (s *Supervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	if h == nil {
		if s.state != StateStopped {
			s.setStateLocked(StateStopping, nil)
			s.setStateLocked(StateStopped, nil)
		}
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateStopping, nil)
	s.mu.Unlock()

	err := h.Terminate(ctx, s.opts.GraceTimeout)
	forced := process.IsTerminationTimeout(err)
	if err != nil && !forced {
		err = fmt.Errorf("terminate %s: %w", h.ID(), err)
		s.transition(ctx, StateFailed, err)
		return err
	}
	if forced {
		s.log.WarnContext(ctx, "backend ignored graceful stop, killed", "id", h.ID(), "grace", s.opts.GraceTimeout)
	}

	wctx, cancel := context.WithTimeout(ctx, exitCodeWait)
	code, werr := h.Wait(wctx)
	cancel()

	s.mu.Lock()
	s.detachLocked()
	if werr == nil {
		s.exitCode = &code
	}
	s.setStateLocked(StateStopped, nil)
	s.mu.Unlock()

	metrics.IncStop(s.spec.Name, forced)
	s.log.InfoContext(ctx, "backend stopped", "id", h.ID(), "forced", forced)
	s.emit(ctx, history.EventStop)
	return nil
}

// reapLocked terminates a handle left behind by a failed run, without a
// state change.
func (s *Supervisor) reapLocked(ctx context.Context) error {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil {
		return nil
	}
	if err := h.Terminate(ctx, s.opts.GraceTimeout); err != nil && !process.IsTerminationTimeout(err) {
		return fmt.Errorf("terminate leftover %s: %w", h.ID(), err)
	}
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) terminateBestEffort(ctx context.Context, h process.Handle) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.GraceTimeout+exitCodeWait)
	defer cancel()
	if err := h.Terminate(tctx, s.opts.GraceTimeout); err != nil && !process.IsTerminationTimeout(err) {
		s.log.WarnContext(ctx, "could not terminate unready backend", "id", h.ID(), "error", err)
		return
	}
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
}

// attach makes h the current handle and starts its exit monitor.
func (s *Supervisor) attach(h process.Handle) <-chan struct{} {
	wctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.handle = h
	s.exited = exited
	s.stopWatch = cancel
	s.exitCode = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(wctx, h, gen, exited)
	return exited
}

// detachLocked forgets the current handle. s.mu must be held.
func (s *Supervisor) detachLocked() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.handle = nil
	s.exited = nil
}

// watch waits for the backend of generation gen to exit. An exit while
// running moves the supervisor to stopped; there is no automatic restart.
func (s *Supervisor) watch(ctx context.Context, h process.Handle, gen uint64, exited chan struct{}) {
	defer s.wg.Done()
	code, err := h.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Debug("exit monitor stopped", "id", h.ID(), "error", err)
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.handle != h {
		s.mu.Unlock()
		return
	}
	s.exitCode = &code
	close(exited)
	wasRunning := s.state == StateRunning
	if wasRunning {
		s.detachLocked()
		s.setStateLocked(StateStopped, nil)
	}
	s.mu.Unlock()

	if wasRunning {
		s.log.Warn("backend exited", "id", h.ID(), "exit_code", code)
		s.emit(context.Background(), history.EventExited)
	}
}

// transition takes s.mu and moves to state to.
func (s *Supervisor) transition(ctx context.Context, to State, cause error) {
	s.mu.Lock()
	s.setStateLocked(to, cause)
	s.mu.Unlock()
	if to == StateFailed {
		metrics.IncFailure(s.spec.Name, Kind(cause))
		s.log.ErrorContext(ctx, "backend failed", "error", cause, "kind", Kind(cause))
		s.emit(ctx, history.EventFailed)
	}
}

// forceFailed records cause as the reason a restart was abandoned. Every
// failing step already moved to failed; this only replaces the recorded
// error, or forces failed if a step left an intermediate state.
func (s *Supervisor) forceFailed(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.state == StateFailed {
		s.lastErr = cause
		s.mu.Unlock()
		s.log.ErrorContext(ctx, "restart abandoned", "error", cause)
		return
	}
	s.mu.Unlock()
	s.transition(ctx, StateFailed, cause)
}

// setStateLocked records a transition. s.mu must be held. Metrics are
// updated here as well; they never block.
func (s *Supervisor) setStateLocked(to State, cause error) {
	from := s.state
	if from != to && !canTransition(from, to) {
		s.log.Error("unexpected state transition", "from", from.String(), "to", to.String())
	}
	s.state = to
	s.updatedAt = time.Now()
	switch to {
	case StateFailed:
		s.lastErr = cause
	case StateRunning, StateStarting:
		s.lastErr = nil
	}
	if from == to {
		return
	}
	metrics.RecordStateTransition(s.spec.Name, from.String(), to.String())
	for _, st := range allStates {
		metrics.SetCurrentState(s.spec.Name, st.String(), st == to)
	}
}

type ridKey struct{}

func restartID(ctx context.Context) string {
	v, _ := ctx.Value(ridKey{}).(string)
	return v
}

func (s *Supervisor) emit(ctx context.Context, t history.EventType) {
	if s.events == nil {
		return
	}
	snap := s.Status()
	s.events.Emit(history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name:       snap.Name,
			PID:        snap.PID,
			State:      snap.State.String(),
			ExitCode:   snap.ExitCode,
			Error:      snap.LastError,
			RestartID:  restartID(ctx),
			Generation: snap.Generation,
		},
	})
}
