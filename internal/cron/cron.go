// Package cron restarts the backend on a cron schedule. Long-running
// ComfyUI workers leak VRAM and host memory; a nightly restart is the usual
// remedy.
package cron

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/comfyvisor/internal/metrics"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Restarter is the part of the supervisor a scheduled restart needs.
type Restarter interface {
	TriggerRestart(timeout time.Duration) (joined bool, err error)
}

// Validate checks a schedule expression and time zone.
func Validate(schedule, timeZone string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	if timeZone != "" {
		if _, err := time.LoadLocation(timeZone); err != nil {
			return fmt.Errorf("invalid time zone %q: %w", timeZone, err)
		}
	}
	return nil
}

// Scheduler triggers a restart of one backend at each tick. A tick that
// lands while a restart is already in flight joins it.
type Scheduler struct {
	name     string
	schedule string
	timeout  time.Duration
	target   Restarter
	log      *slog.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	started bool
}

// New builds a Scheduler. timeZone is an IANA name; empty means local time.
func New(name, schedule, timeZone string, timeout time.Duration, target Restarter, log *slog.Logger) (*Scheduler, error) {
	if err := Validate(schedule, timeZone); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	loc := time.Local
	if timeZone != "" {
		loc, _ = time.LoadLocation(timeZone)
	}
	s := &Scheduler{
		name:     name,
		schedule: schedule,
		timeout:  timeout,
		target:   target,
		log:      log.With("component", "cron", "schedule", schedule),
		c:        cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
	}
	id, err := s.c.AddFunc(schedule, s.tick)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule restart: %w", err)
	}
	s.entry = id
	return s, nil
}

func (s *Scheduler) tick() {
	joined, err := s.target.TriggerRestart(s.timeout)
	switch {
	case err != nil:
		s.log.Warn("scheduled restart not started", "error", err)
	case joined:
		s.log.Info("scheduled restart joined one already in flight")
	default:
		s.log.Info("scheduled restart initiated")
	}
	s.publishNext()
}

func (s *Scheduler) publishNext() {
	if next := s.Next(); !next.IsZero() {
		metrics.SetNextScheduledRestart(s.name, float64(next.Unix()))
	}
}

// Start begins scheduling. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.publishNext()
	s.log.Info("restart schedule active", "next", s.Next())
}

// Stop ends scheduling and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.c.Stop().Done()
}

// Next returns the time of the next scheduled restart, or zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.c.Entry(s.entry).Next
}
