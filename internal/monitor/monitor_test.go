package monitor

import (
	"errors"
	"testing"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_HeapLimit(t *testing.T) {
	m := New(config.MonitorConfig{MaxHeapMB: 100}, nil)

	m.heapInUse = func() uint64 { return 50 * mb }
	assert.NoError(t, m.Check("mask", ""))

	m.heapInUse = func() uint64 { return 90 * mb }
	assert.NoError(t, m.Check("mask", ""), "soft pressure only warns")

	m.heapInUse = func() uint64 { return 101 * mb }
	err := m.Check("mask", "")
	require.Error(t, err)
	assert.Equal(t, model.KindResource, model.KindOf(err))
}

func TestCheck_DiskLimit(t *testing.T) {
	m := New(config.MonitorConfig{MinFreeDiskMB: 64}, nil)

	m.freeDisk = func(string) (uint64, error) { return 1024 * mb, nil }
	assert.NoError(t, m.Check("dedup", "/tmp"))

	m.freeDisk = func(string) (uint64, error) { return 10 * mb, nil }
	err := m.Check("dedup", "/tmp")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindResource))

	m.freeDisk = func(string) (uint64, error) { return 0, errors.New("statfs failed") }
	assert.NoError(t, m.Check("dedup", "/tmp"), "probe failures never fail the run")
}

func TestCheck_RealProbe(t *testing.T) {
	m := New(config.MonitorConfig{MinFreeDiskMB: 1}, nil)
	assert.NoError(t, m.Check("mask", t.TempDir()))
}

func TestNilMonitor(t *testing.T) {
	var m *Monitor
	assert.NoError(t, m.Check("mask", "/"))
	assert.Greater(t, m.CheckEvery(), 0)
}
