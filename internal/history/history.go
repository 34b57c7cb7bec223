package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"   // backend reached running
	EventStop    EventType = "stop"    // backend stopped on request
	EventExited  EventType = "exited"  // backend exited on its own while running
	EventRestart EventType = "restart" // restart requested
	EventFailed  EventType = "failed"  // start or restart ended in failed
)

// Record is the backend's state at the time of an event.
type Record struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	State      string `json:"state"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
	RestartID  string `json:"restart_id,omitempty"`
	Generation uint64 `json:"generation"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can read their events back.
type Reader interface {
	// Recent returns up to limit events for name, newest first.
	Recent(ctx context.Context, name string, limit int) ([]Event, error)
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that is an io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Recent reads from the first sink that is a Reader.
func (m Multi) Recent(ctx context.Context, name string, limit int) ([]Event, error) {
	for _, s := range m {
		if r, ok := s.(Reader); ok {
			return r.Recent(ctx, name, limit)
		}
	}
	return nil, ErrNotReadable
}

// ErrNotReadable is returned when no configured sink supports reads.
var ErrNotReadable = errors.New("no readable history sink configured")
