package capability

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeCPUFallbackHasNoDeviceMemory(t *testing.T) {
	rec := Probe()
	if rec.GPUKind == GPUKindCPU {
		assert.Zero(t, rec.DeviceMemoryGB)
	}
	assert.NotZero(t, rec.CPUCores)
	assert.False(t, rec.ProbedAt.IsZero())
}

func TestLoadOrProbeWritesAndReusesCache(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "capability.json")

	rec1, err := LoadOrProbe(cacheFile, time.Hour, Override{})
	require.NoError(t, err)

	rec2, err := LoadOrProbe(cacheFile, time.Hour, Override{})
	require.NoError(t, err)

	assert.Equal(t, rec1.ProbedAt, rec2.ProbedAt, "second call should reuse the cached probe, not re-probe")
}

func TestLoadOrProbeExpiresTTL(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "capability.json")

	rec1, err := LoadOrProbe(cacheFile, time.Millisecond, Override{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	rec2, err := LoadOrProbe(cacheFile, time.Millisecond, Override{})
	require.NoError(t, err)

	assert.True(t, rec2.ProbedAt.After(rec1.ProbedAt) || rec2.ProbedAt.Equal(rec1.ProbedAt))
}

func TestOverrideTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "capability.json")

	rec, err := LoadOrProbe(cacheFile, time.Hour, Override{GPUKind: GPUKindCUDA, DeviceMemoryGB: 24})
	require.NoError(t, err)

	assert.Equal(t, GPUKindCUDA, rec.GPUKind)
	assert.Equal(t, 24.0, rec.DeviceMemoryGB)
}

func TestCPUGPUKindAlwaysZeroesDeviceMemory(t *testing.T) {
	rec := applyOverride(Record{GPUKind: GPUKindCUDA, DeviceMemoryGB: 10}, Override{GPUKind: GPUKindCPU})
	assert.Equal(t, GPUKindCPU, rec.GPUKind)
	assert.Zero(t, rec.DeviceMemoryGB)
}
