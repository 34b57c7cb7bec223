package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of the backend process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls backend resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically samples the backend's pid and keeps a small
// ring of recent readings.
type ResourceSampler struct {
	name     string
	interval time.Duration
	pid      func() int

	mu    sync.RWMutex
	ring  []ResourceSample
	next  int
	count int
	lastP *process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler builds a sampler for the named backend. pid returns the
// current pid, or 0 when nothing is running.
func NewResourceSampler(name string, cfg ResourceConfig, pid func() int) *ResourceSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 120
	}
	gauge := func(metric, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      metric,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceSampler{
		name:       name,
		interval:   cfg.Interval,
		pid:        pid,
		ring:       make([]ResourceSample, cfg.MaxHistory),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the backend process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the backend process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the backend process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the backend process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler's gauges.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	return registerAll(r, cs...)
}

// Start samples every interval until ctx ends or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				if _, err := s.Sample(ctx); err != nil {
					slog.Debug("resource sample failed", "name", s.name, "error", err)
				}
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one reading now. It returns (nil, nil) when no pid is set.
func (s *ResourceSampler) Sample(ctx context.Context) (*ResourceSample, error) {
	pid := int32(s.pid()) // #nosec G115
	if pid <= 0 {
		s.reset()
		return nil, nil
	}
	proc, err := s.procFor(ctx, pid)
	if err != nil {
		s.reset()
		return nil, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	// the first reading after a new pid is relative to process start
	cpu, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	threads, _ := proc.NumThreadsWithContext(ctx)
	sample := ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			sample.NumFDs = fds
		}
	}

	s.cpuPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
	if sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(s.name).Set(float64(sample.NumFDs))
	}

	s.mu.Lock()
	s.ring[s.next] = sample
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	s.mu.Unlock()
	return &sample, nil
}

// procFor reuses the gopsutil handle while the pid is unchanged so CPU
// percentages are deltas between samples.
func (s *ResourceSampler) procFor(ctx context.Context, pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastP != nil && s.lastP.Pid == pid {
		return s.lastP, nil
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		s.lastP = nil
		return nil, err
	}
	s.lastP = p
	return p, nil
}

func (s *ResourceSampler) reset() {
	s.mu.Lock()
	s.lastP = nil
	s.mu.Unlock()
	s.cpuPercent.DeleteLabelValues(s.name)
	s.memoryMB.DeleteLabelValues(s.name)
	s.numThreads.DeleteLabelValues(s.name)
	s.numFDs.DeleteLabelValues(s.name)
}

// Latest returns the most recent sample, if any.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	i := (s.next - 1 + len(s.ring)) % len(s.ring)
	return s.ring[i], true
}

// History returns up to the last n samples, oldest first.
func (s *ResourceSampler) History(n int) []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]ResourceSample, 0, n)
	start := (s.next - n + len(s.ring)) % len(s.ring)
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}
