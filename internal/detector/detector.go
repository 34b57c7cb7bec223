package detector

import "context"

// Detector is a strategy that determines whether the backend is up.
// Implementations may check a PID file, a TCP port or a custom command.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the backend is detected as running. A negative
	// result that is not a failure of the probe itself returns a nil error.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Func adapts a function to Detector.
type Func struct {
	Name  string
	Probe func(ctx context.Context) (bool, error)
}

func (f Func) Alive(ctx context.Context) (bool, error) { return f.Probe(ctx) }
func (f Func) Describe() string                        { return f.Name }
