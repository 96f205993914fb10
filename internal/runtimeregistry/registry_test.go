package runtimeregistry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/stagerunner/internal/catalog"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return p
}

func TestResolveAvailableRuntime(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "run.sh")

	r := New(map[string]string{"util": dir})
	d, err := r.Resolve(context.Background(), "util")
	require.NoError(t, err)
	assert.True(t, d.Available)
}

func TestResolveMissingRuntimeFailsWithRuntimeUnavailable(t *testing.T) {
	r := New(map[string]string{"asr_gpu": filepath.Join(t.TempDir(), "does-not-exist")})
	_, err := r.Resolve(context.Background(), "asr_gpu")
	require.Error(t, err)
}

func TestResolveCachesResultAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "run.sh")
	r := New(map[string]string{"util": dir})

	_, err := r.Resolve(context.Background(), "util")
	require.NoError(t, err)

	// Remove the executable; a cached resolution should still report available.
	require.NoError(t, os.Remove(filepath.Join(dir, "run.sh")))
	d, err := r.Resolve(context.Background(), "util")
	require.NoError(t, err)
	assert.True(t, d.Available)
}

func TestValidateForWorkflowRequiredPresentIsOK(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "run.sh")

	// Transcribe workflow needs util and asr_gpu (both required, non-optional
	// per the catalog), so point both at real executables; the missing
	// optional source_separation runtime only applies to the subtitle workflow.
	r := New(map[string]string{"util": dir, "asr_gpu": dir})
	report := r.ValidateForWorkflow(context.Background(), catalog.WorkflowTranscribe, nil)
	assert.True(t, report.OK)
	assert.Empty(t, report.Missing)
}

func TestValidateForWorkflowRequiredMissingFails(t *testing.T) {
	r := New(map[string]string{})
	report := r.ValidateForWorkflow(context.Background(), catalog.WorkflowTranscribe, nil)
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Missing)
}

func TestEnableDiskCacheLoadsFreshEntriesOnly(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "run.sh")
	cacheFile := filepath.Join(t.TempDir(), "probe-cache.json")

	r1 := New(map[string]string{"util": dir})
	r1.EnableDiskCache(cacheFile, time.Hour)
	_, err := r1.Resolve(context.Background(), "util")
	require.NoError(t, err)

	// A fresh Registry pointed at a root with no executable should still
	// report the runtime available, because the disk cache is fresh.
	r2 := New(map[string]string{"util": filepath.Join(t.TempDir(), "gone")})
	r2.EnableDiskCache(cacheFile, time.Hour)
	d, err := r2.Resolve(context.Background(), "util")
	require.NoError(t, err)
	assert.True(t, d.Available)
}

func TestEnableDiskCacheIgnoresExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "run.sh")
	cacheFile := filepath.Join(t.TempDir(), "probe-cache.json")

	r1 := New(map[string]string{"util": dir})
	r1.EnableDiskCache(cacheFile, time.Hour)
	_, err := r1.Resolve(context.Background(), "util")
	require.NoError(t, err)

	r2 := New(map[string]string{"util": filepath.Join(t.TempDir(), "gone")})
	r2.EnableDiskCache(cacheFile, 0) // already-expired TTL
	_, err = r2.Resolve(context.Background(), "util")
	require.Error(t, err)
}

func TestValidateForWorkflowSkipsOptionalStageRuntime(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "run.sh")
	// subtitle workflow includes source_separation (optional) whose runtime
	// we deliberately leave unresolvable; it must not appear in Missing.
	r := New(map[string]string{"util": dir, "asr_gpu": dir, "translate_indic_en": dir})
	report := r.ValidateForWorkflow(context.Background(), catalog.WorkflowSubtitle, nil)
	for _, m := range report.Missing {
		assert.NotEqual(t, "source_separation", m)
	}
}
