// Package scheduler drives the engine's background work.
//
// # Design
//
// Two kinds of work run here, and neither carries domain logic:
//
//   - A discovery tick at a fixed interval. Each tick asks a Prober whether any
//     online device has changed presence and forwards changes to a StatusSink.
//     The default Prober simulates network drift; a heartbeat-driven Prober can
//     replace it without touching alerting or anomaly code.
//   - One-shot deferred tasks keyed by id (escalation timers). Each task lives
//     in a map until it fires or is cancelled, so nothing leaks across a long
//     process lifetime.
//
// All timing goes through a clockwork.Clock so tests can fast-forward.
//
// # Shutdown
//
// Stop ends the tick loop, cancels every pending task and waits for tasks
// already running. After Stop, After returns a service-closed error.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pilot-net/geotrack/pkg/types"
)

// DeviceSource lists devices for a discovery pass.
type DeviceSource interface {
	List(filter types.DeviceFilter) []types.Device
}

// StatusSink applies a presence change. It is the deviceStatusChange entry
// point shared with administrative status updates.
type StatusSink interface {
	ApplyStatusChange(ctx context.Context, deviceID string, status types.DeviceStatus, healthScore int) error
}

// Prober decides whether a device's presence changed since the last tick.
type Prober interface {
	Probe(d types.Device) (status types.DeviceStatus, healthScore int, changed bool)
}

// Config holds scheduler settings.
type Config struct {
	DiscoveryEnabled  bool
	DiscoveryInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		DiscoveryEnabled:  true,
		DiscoveryInterval: 30 * time.Second,
	}
}

type task struct {
	fn    func()
	timer clockwork.Timer
}

// Scheduler runs discovery ticks and deferred tasks.
type Scheduler struct {
	clock   clockwork.Clock
	devices DeviceSource
	sink    StatusSink
	prober  Prober
	config  Config
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	closed  bool
	running sync.WaitGroup // tasks currently executing

	stopCh   chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
}

// New creates a scheduler. devices, sink and prober may be nil when only
// deferred tasks are needed.
func New(clock clockwork.Clock, devices DeviceSource, sink StatusSink, prober Prober, config Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clock,
		devices: devices,
		sink:    sink,
		prober:  prober,
		config:  config,
		logger:  logger.With("component", "scheduler"),
		tasks:   make(map[string]*task),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the discovery loop when enabled. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.config.DiscoveryEnabled || s.prober == nil || s.devices == nil || s.sink == nil {
		s.logger.Info("discovery tick disabled")
		return
	}
	s.loops.Add(1)
	go s.runDiscovery(ctx)
}

func (s *Scheduler) runDiscovery(ctx context.Context) {
	defer s.loops.Done()

	s.logger.Info("discovery tick started", "interval", s.config.DiscoveryInterval)
	ticker := s.clock.NewTicker(s.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Tick runs one discovery pass over online devices and returns how many
// devices changed.
func (s *Scheduler) Tick(ctx context.Context) int {
	online := types.DeviceStatusOnline
	changed := 0
	for _, d := range s.devices.List(types.DeviceFilter{Status: &online}) {
		status, health, ok := s.prober.Probe(d)
		if !ok {
			continue
		}
		if err := s.sink.ApplyStatusChange(ctx, d.ID, status, health); err != nil {
			s.logger.Warn("discovery status change failed", "device_id", d.ID, "error", err)
			continue
		}
		changed++
	}
	if changed > 0 {
		s.logger.Debug("discovery tick", "changed", changed)
	}
	return changed
}

// After schedules fn to run once after delay. Scheduling an existing key
// replaces the earlier task.
func (s *Scheduler) After(key string, delay time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ServiceClosed("schedule task")
	}

	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}

	t := &task{fn: fn}
	// The callback hops to a goroutine: fake clocks may invoke it while
	// holding their own lock.
	t.timer = s.clock.AfterFunc(delay, func() { go s.fire(key, t) })
	s.tasks[key] = t
	return nil
}

// Cancel stops a pending task. It reports whether a task was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending returns the number of scheduled tasks that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) fire(key string, t *task) {
	s.mu.Lock()
	if s.closed || s.tasks[key] != t {
		// Cancelled, replaced or shut down after the timer went off.
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "key", key, "panic", r)
		}
	}()
	t.fn()
}

// Stop cancels the discovery loop and all pending tasks, then waits for
// running work to finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancelled := len(s.tasks)
		for key, t := range s.tasks {
			t.timer.Stop()
			delete(s.tasks, key)
		}
		s.mu.Unlock()

		close(s.stopCh)
		s.loops.Wait()
		s.running.Wait()

		s.logger.Info("scheduler stopped", "cancelled_tasks", cancelled)
	})
}
