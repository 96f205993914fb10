package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/stagerunner/internal/catalog"
)

func newJobDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	active := catalog.ActiveSet(catalog.WorkflowTranscribe, nil)
	m := New("job1", catalog.WorkflowTranscribe, active)
	require.NoError(t, writeAtomic(dir, m))
	return dir
}

func TestStartFinishStageLifecycle(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.StartStage(catalog.StageDemux))
	e := st.Entry(catalog.StageDemux)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, 1, e.Attempts)

	require.NoError(t, st.FinishStage(catalog.StageDemux, StatusSucceeded, []catalog.RelPath{"01_demux/audio.wav"}, ""))
	e = st.Entry(catalog.StageDemux)
	assert.Equal(t, StatusSucceeded, e.Status)
	require.NotNil(t, e.DurationSeconds)
}

func TestRestartSameAttemptIncrementsAttempts(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.StartStage(catalog.StageDemux))
	require.NoError(t, st.StartStage(catalog.StageDemux))
	assert.Equal(t, 2, st.Entry(catalog.StageDemux).Attempts)
}

func TestLoadRecoversRunningAsInterrupted(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, st.StartStage(catalog.StageDemux))
	require.NoError(t, st.Close())

	st2, err := Open(dir)
	require.NoError(t, err)
	defer st2.Close()

	e := st2.Entry(catalog.StageDemux)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "interrupted", e.LastError)
}

func TestNextPendingFollowsCatalogOrder(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	name, ok := st.NextPending()
	require.True(t, ok)
	assert.Equal(t, catalog.StageDemux, name)

	require.NoError(t, st.StartStage(catalog.StageDemux))
	require.NoError(t, st.FinishStage(catalog.StageDemux, StatusSucceeded, nil, ""))

	name, ok = st.NextPending()
	require.True(t, ok)
	assert.Equal(t, catalog.StageASR, name)
}

func TestManifestFileNeverTornOnDisk(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.StartStage(catalog.StageDemux))
	require.NoError(t, st.FinishStage(catalog.StageDemux, StatusSucceeded, []catalog.RelPath{"01_demux/audio.wav"}, ""))

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	require.NoError(t, err)
	_, err = decode(data)
	require.NoError(t, err, "manifest.json must always parse as valid JSON after a mutation")
}

func TestMarkCacheHitSucceedsStage(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.MarkCacheHit(catalog.StageASR, "04_asr/segments.json"))
	e := st.Entry(catalog.StageASR)
	assert.True(t, e.CacheHit)
	assert.Equal(t, StatusSucceeded, e.Status)
}

// TestLoadRoundTripsEveryFieldButUpdatedAt: loading a freshly written
// manifest back must reproduce every field except the timestamp
// writeAtomic bumps on each save.
func TestLoadRoundTripsEveryFieldButUpdatedAt(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, st.StartStage(catalog.StageDemux))
	require.NoError(t, st.FinishStage(catalog.StageDemux, StatusSucceeded, []catalog.RelPath{"01_demux/audio.wav"}, ""))
	want := st.Snapshot()
	require.NoError(t, st.Close())

	got, err := Load(dir)
	require.NoError(t, err)

	if diff := cmp.Diff(want, *got, cmpopts.IgnoreFields(Manifest{}, "UpdatedAt")); diff != "" {
		t.Fatalf("manifest round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := newJobDir(t)
	st, err := Open(dir)
	require.NoError(t, err)
	defer st.Close()

	_, err = Open(dir)
	assert.Error(t, err)
}
