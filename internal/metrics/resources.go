package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures of one launched script.
type ProcessMetrics struct {
	Project    string    `json:"project"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures ResourceCollector.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of running projects.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// Source returns project ref -> pid of every running project.
type Source func(ctx context.Context) (map[string]int32, error)

func NewResourceCollector(cfg ResourceConfig, log *slog.Logger) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "launchr",
			Subsystem: "project",
			Name:      name,
			Help:      help,
		}, []string{"project"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		log:        log,
		latest:     make(map[string]ProcessMetrics),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the project's startup process."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of the project's startup process."),
		numThreads: gauge("num_threads", "Threads of the project's startup process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the project's startup process (Unix only)."),
	}
}

// RegisterMetrics registers the gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples src every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, src Source) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				procs, err := src(ctx)
				if err != nil {
					c.log.Debug("resource source failed", "error", err)
					continue
				}
				c.Collect(ctx, procs)
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of procs and drops gauges of projects no longer listed.
func (c *ResourceCollector) Collect(ctx context.Context, procs map[string]int32) {
	now := time.Now()
	results := make(map[string]ProcessMetrics, len(procs))
	for project, pid := range procs {
		if pid <= 0 {
			continue
		}
		m, err := sample(ctx, project, pid, now)
		if err != nil {
			c.log.Debug("failed to sample process", "project", project, "pid", pid, "error", err)
			continue
		}
		results[project] = m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for project, m := range results {
		c.cpuPercent.WithLabelValues(project).Set(m.CPUPercent)
		c.memoryMB.WithLabelValues(project).Set(m.MemoryMB)
		c.numThreads.WithLabelValues(project).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			c.numFDs.WithLabelValues(project).Set(float64(m.NumFDs))
		}
		c.latest[project] = m
	}
	for project := range c.latest {
		if _, ok := results[project]; ok {
			continue
		}
		delete(c.latest, project)
		c.cpuPercent.DeleteLabelValues(project)
		c.memoryMB.DeleteLabelValues(project)
		c.numThreads.DeleteLabelValues(project)
		c.numFDs.DeleteLabelValues(project)
	}
}

// Latest returns the most recent sample of project.
func (c *ResourceCollector) Latest(project string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[project]
	return m, ok
}

func sample(ctx context.Context, project string, pid int32, ts time.Time) (ProcessMetrics, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	m := ProcessMetrics{
		Project:    project,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}
