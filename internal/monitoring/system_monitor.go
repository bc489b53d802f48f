package monitoring

import (
	"context"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor samples process CPU and memory on an interval and caches
// the latest reading for the health endpoint and Prometheus gauges.
//
// gopsutil's process-scoped reading is preferred; if it fails (e.g. an
// unsupported platform in CI) the monitor falls back to host CPU percent
// and Go heap stats so /health keeps answering.
type SystemMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process

	cpuPercent  atomic.Uint64 // float64 bits
	memoryBytes atomic.Int64
}

// NewSystemMonitor creates a monitor sampling every interval.
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	m := &SystemMonitor{
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		interval: interval,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

// Start begins periodic sampling until ctx is cancelled.
func (m *SystemMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)

	go func() {
		defer ticker.Stop()
		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				m.logger.Info().Msg("System monitor stopped")
				return
			}
		}
	}()

	m.logger.Info().Dur("interval", m.interval).Msg("System monitor started")
}

func (m *SystemMonitor) sample() {
	cpuPct := 0.0
	if m.proc != nil {
		if pct, err := m.proc.CPUPercent(); err == nil {
			cpuPct = pct
		}
	}
	if cpuPct == 0 {
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			cpuPct = pcts[0]
		}
	}

	var memBytes int64
	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			memBytes = int64(mi.RSS)
		}
	}
	if memBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		memBytes = int64(ms.Alloc)
	}

	m.cpuPercent.Store(math.Float64bits(cpuPct))
	m.memoryBytes.Store(memBytes)

	CPUPercent.Set(cpuPct)
	MemoryBytes.Set(float64(memBytes))

	m.logger.Debug().
		Float64("cpu_percent", cpuPct).
		Int64("memory_mb", memBytes/(1024*1024)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("System sample")
}

// CPUPercentNow returns the last sampled CPU percentage.
func (m *SystemMonitor) CPUPercentNow() float64 {
	return math.Float64frombits(m.cpuPercent.Load())
}

// MemoryBytesNow returns the last sampled resident memory.
func (m *SystemMonitor) MemoryBytesNow() int64 {
	return m.memoryBytes.Load()
}
