// Package metrics provides process health and a Prometheus text endpoint for
// the tracker.
package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/geotrack/pkg/types"
)

// ProcessSampler reads resource usage of the running process.
type ProcessSampler interface {
	CPUPercent() (float64, error)
	MemoryInfo() (*process.MemoryInfoStat, error)
	MemoryPercent() (float32, error)
}

// Collector gathers process health with caching.
type Collector struct {
	clock     clockwork.Clock
	sampler   ProcessSampler // nil when the process cannot be inspected
	startTime time.Time

	mu            sync.Mutex
	cached        *types.ProcessHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a collector for the current process.
func NewCollector(clock clockwork.Clock) *Collector {
	var sampler ProcessSampler
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sampler = proc
	}
	return NewCollectorWithSampler(clock, sampler)
}

// NewCollectorWithSampler creates a collector over an explicit sampler.
func NewCollectorWithSampler(clock clockwork.Clock, sampler ProcessSampler) *Collector {
	return &Collector{
		clock:         clock,
		sampler:       sampler,
		startTime:     clock.Now(),
		cacheDuration: 15 * time.Second,
	}
}

// Process returns current process health. Results are cached briefly since
// CPU sampling is comparatively expensive.
func (c *Collector) Process() types.ProcessHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.cached != nil && now.Before(c.cacheExpiry) {
		return *c.cached
	}

	health := types.ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(now.Sub(c.startTime).Seconds()),
		CollectedAt:   now,
	}

	if c.sampler != nil {
		if cpu, err := c.sampler.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := c.sampler.MemoryInfo(); err == nil && mem != nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := c.sampler.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}

	c.cached = &health
	c.cacheExpiry = now.Add(c.cacheDuration)
	return health
}
