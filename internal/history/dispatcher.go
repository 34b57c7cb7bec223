package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueue       = 256
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher delivers events to a sink from a single background goroutine
// so lifecycle transitions never wait on a slow database. Events are
// delivered in order; when the queue is full new events are dropped.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewDispatcher(sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: defaultSendTimeout,
		queue:   make(chan Event, defaultQueue),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Send(ctx, e); err != nil {
			d.logger.Warn("history send failed", "event", e.Type, "name", e.Record.Name, "error", err)
		}
		cancel()
	}
}

// Emit queues e. It reports false if the event was dropped.
func (d *Dispatcher) Emit(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.logger.Warn("history queue full, dropping event", "event", e.Type, "name", e.Record.Name)
		return false
	}
}

// Close stops accepting events and waits until queued ones are delivered or
// ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
