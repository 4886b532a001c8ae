package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// Host memory pressure above this percentage is worth a log line. The
// broker never sheds load on its own; the warning exists so an operator
// sees the squeeze before the OOM killer does.
const hostMemoryWarnPercent = 90.0

// SystemMetrics is one sample of process and host resource usage.
type SystemMetrics struct {
	CPUPercent            float64   `json:"cpu_percent"`
	RSSBytes              uint64    `json:"rss_bytes"`
	HostMemoryUsedPercent float64   `json:"host_memory_used_percent"`
	Goroutines            int       `json:"goroutines"`
	Timestamp             time.Time `json:"timestamp"`
}

// BrokerSnapshot carries the broker-side gauges the monitor publishes
// alongside the resource sample. Supplied by a callback so this package
// stays free of broker imports.
type BrokerSnapshot struct {
	Topics        int
	Subscriptions int
}

// SystemMonitorConfig configures the sampling loop.
type SystemMonitorConfig struct {
	// Interval between samples.
	Interval time.Duration

	// Snapshot returns current broker gauges. May be nil.
	Snapshot func() BrokerSnapshot
}

// SystemMonitor samples process and host resources on a fixed interval
// and publishes them as Prometheus gauges. It measures once per tick
// and answers Snapshot queries from the cached sample, so callers never
// trigger their own measurements.
type SystemMonitor struct {
	cfg    SystemMonitorConfig
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	memWarnLimit *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor builds a monitor. Process-level readings degrade
// gracefully when the process handle cannot be opened; host-level
// readings still work.
func NewSystemMonitor(cfg SystemMonitorConfig, logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	monitorLogger := logger.With().Str("component", "system_monitor").Logger()
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		LogError(monitorLogger, err, "Cannot open own process handle, RSS readings disabled", nil)
		proc = nil
	}

	return &SystemMonitor{
		cfg:          cfg,
		logger:       monitorLogger,
		proc:         proc,
		memWarnLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the sampling goroutine. Call Stop to shut it down.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system-monitor", nil)

		ticker := time.NewTicker(sm.cfg.Interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", sm.cfg.Interval).
			Msg("System monitor started")

		sm.update()

		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("System monitor stopped")
				return
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (sm *SystemMonitor) Stop() {
	sm.cancel()
	sm.wg.Wait()
}

// Snapshot returns the most recent sample without triggering a new
// measurement.
func (sm *SystemMonitor) Snapshot() SystemMetrics {
	sm.mu.RLock()
	m := sm.metrics
	sm.mu.RUnlock()
	return m
}

func (sm *SystemMonitor) update() {
	// 100ms sampling window: instant readings (interval 0) have no
	// baseline on the first call, and a full second would stall the
	// tick for too long.
	var cpuUsage float64
	if percents, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		LogError(sm.logger, err, "CPU sample failed", nil)
	} else if len(percents) > 0 {
		cpuUsage = percents[0]
	}

	var rss uint64
	if sm.proc != nil {
		if memInfo, err := sm.proc.MemoryInfo(); err != nil {
			LogError(sm.logger, err, "Process memory sample failed", nil)
		} else {
			rss = memInfo.RSS
		}
	}

	var hostMemPercent float64
	if vm, err := mem.VirtualMemory(); err != nil {
		LogError(sm.logger, err, "Host memory sample failed", nil)
	} else {
		hostMemPercent = vm.UsedPercent
	}

	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:            cpuUsage,
		RSSBytes:              rss,
		HostMemoryUsedPercent: hostMemPercent,
		Goroutines:            goroutines,
		Timestamp:             time.Now(),
	}
	sm.mu.Unlock()

	UpdateSystemMetrics(cpuUsage, rss, hostMemPercent, goroutines)

	if sm.cfg.Snapshot != nil {
		snap := sm.cfg.Snapshot()
		UpdateRouterMetrics(snap.Topics, snap.Subscriptions)
	}

	if hostMemPercent >= hostMemoryWarnPercent && sm.memWarnLimit.Allow() {
		sm.logger.Warn().
			Float64("host_memory_used_percent", hostMemPercent).
			Float64("threshold", hostMemoryWarnPercent).
			Msg("Host memory pressure high")
	}

	sm.logger.Debug().
		Float64("cpu_percent", cpuUsage).
		Uint64("rss_bytes", rss).
		Float64("host_memory_used_percent", hostMemPercent).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}
