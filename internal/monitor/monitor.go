// Package monitor watches heap usage and free scratch space so that stages
// fail with a ResourceError instead of being killed by the OS.
package monitor

import (
	"runtime"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/pkg/logging"

	"go.uber.org/zap"
)

const mb = 1 << 20

// Monitor checks resource usage against configured limits. A zero limit
// disables that check.
type Monitor struct {
	maxHeap     uint64
	minFreeDisk uint64
	checkEvery  int
	logger      *zap.Logger

	heapInUse func() uint64
	freeDisk  func(path string) (uint64, error)
}

// New creates a monitor from cfg.
func New(cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	every := cfg.CheckEveryPackets
	if every <= 0 {
		every = 10000
	}
	return &Monitor{
		maxHeap:     cfg.MaxHeapMB * mb,
		minFreeDisk: cfg.MinFreeDiskMB * mb,
		checkEvery:  every,
		logger:      logging.Must(logger),
		heapInUse:   readHeap,
		freeDisk:    freeDiskBytes,
	}
}

// Disabled returns a monitor that never reports pressure.
func Disabled() *Monitor {
	return New(config.MonitorConfig{}, nil)
}

// CheckEvery returns how many packets a loop should process between checks.
func (m *Monitor) CheckEvery() int {
	if m == nil {
		return 1 << 30
	}
	return m.checkEvery
}

// Check returns a ResourceError when heap usage is above the limit or free
// space on the filesystem holding path is below the minimum. Usage above
// 80% of the heap limit, or free space below twice the minimum, is only
// logged.
func (m *Monitor) Check(stage, path string) error {
	if m == nil {
		return nil
	}

	if m.maxHeap > 0 {
		heap := m.heapInUse()
		switch {
		case heap > m.maxHeap:
			return model.Errorf(model.KindResource, stage,
				"heap usage %d MiB exceeds limit of %d MiB", heap/mb, m.maxHeap/mb)
		case heap > m.maxHeap/10*8:
			m.logger.Warn("Heap usage approaching limit",
				zap.String("stage", stage),
				zap.Uint64("heap_mib", heap/mb),
				zap.Uint64("limit_mib", m.maxHeap/mb))
		}
	}

	if m.minFreeDisk > 0 && path != "" {
		free, err := m.freeDisk(path)
		if err != nil {
			m.logger.Debug("Free space probe failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		switch {
		case free < m.minFreeDisk:
			return model.Errorf(model.KindResource, stage,
				"only %d MiB free under %s, need at least %d MiB", free/mb, path, m.minFreeDisk/mb)
		case free < 2*m.minFreeDisk:
			m.logger.Warn("Scratch space running low",
				zap.String("stage", stage),
				zap.String("path", path),
				zap.Uint64("free_mib", free/mb))
		}
	}
	return nil
}

func readHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
