package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/job"
	"github.com/coreos/stagerunner/internal/params"
	"github.com/coreos/stagerunner/internal/runtimeregistry"
)

// fakeLauncher lets tests control subprocess outcomes without actually
// spawning anything.
type fakeLauncher struct {
	exit    runtimeregistry.ExitResult
	err     error
	produce func(spec runtimeregistry.ProcessSpec)
}

func (f fakeLauncher) Launch(ctx context.Context, spec runtimeregistry.ProcessSpec) (runtimeregistry.ExitResult, error) {
	if f.produce != nil {
		f.produce(spec)
	}
	return f.exit, f.err
}

func newJobRecord(t *testing.T, withDemuxInput bool) (job.Record, string) {
	t.Helper()
	dir := t.TempDir()
	if withDemuxInput {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "media"), []byte("fake media"), 0o644))
	}
	return job.Record{JobID: "job1", JobDir: dir, SourceLanguage: "en"}, dir
}

func writableRuntimeRegistry(t *testing.T, name string) *runtimeregistry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	return runtimeregistry.New(map[string]string{name: dir})
}

func demuxStage() catalog.StageDescriptor {
	s, _ := catalog.Get(catalog.StageDemux)
	return s
}

func TestExecuteFailsFastOnMissingInput(t *testing.T) {
	rec, _ := newJobRecord(t, false)
	deps := Deps{Registry: writableRuntimeRegistry(t, "util"), Launcher: fakeLauncher{}}

	res := Execute(context.Background(), deps, demuxStage(), rec, params.Resolved{})
	assert.Equal(t, OutcomeFailed, res.Status)
}

func TestExecuteSucceedsAndVerifiesOutputs(t *testing.T) {
	rec, dir := newJobRecord(t, true)
	deps := Deps{
		Registry: writableRuntimeRegistry(t, "util"),
		Launcher: fakeLauncher{
			exit: runtimeregistry.ExitResult{ExitCode: 0},
			produce: func(spec runtimeregistry.ProcessSpec) {
				require.NoError(t, os.MkdirAll(filepath.Join(dir, "01_demux"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "01_demux/audio.wav"), []byte("pcm"), 0o644))
			},
		},
	}

	res := Execute(context.Background(), deps, demuxStage(), rec, params.Resolved{})
	assert.Equal(t, OutcomeSucceeded, res.Status)
	assert.Equal(t, []catalog.RelPath{"01_demux/audio.wav"}, res.Artifacts)
}

func TestExecuteFailsWithOutputMissingWhenSubprocessDoesNotProduceOutputs(t *testing.T) {
	rec, _ := newJobRecord(t, true)
	deps := Deps{
		Registry: writableRuntimeRegistry(t, "util"),
		Launcher: fakeLauncher{exit: runtimeregistry.ExitResult{ExitCode: 0}},
	}

	res := Execute(context.Background(), deps, demuxStage(), rec, params.Resolved{})
	assert.Equal(t, OutcomeFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "not produced")
}

func TestExecuteSkipsOptionalStageWhenRuntimeMissing(t *testing.T) {
	rec, _ := newJobRecord(t, true)
	stage, _ := catalog.Get(catalog.StageSourceSeparation)
	deps := Deps{Registry: runtimeregistry.New(nil), Launcher: fakeLauncher{}}

	res := Execute(context.Background(), deps, stage, rec, params.Resolved{})
	assert.Equal(t, OutcomeSkipped, res.Status)
}

func TestExecuteFailsRequiredRuntimeMissing(t *testing.T) {
	rec, _ := newJobRecord(t, true)
	deps := Deps{Registry: runtimeregistry.New(nil), Launcher: fakeLauncher{}}

	res := Execute(context.Background(), deps, demuxStage(), rec, params.Resolved{})
	assert.Equal(t, OutcomeFailed, res.Status)
}

func TestExecuteRetriesDegradeParamsThenFailsFatally(t *testing.T) {
	rec, _ := newJobRecord(t, true)
	attempts := 0
	deps := Deps{
		Registry: writableRuntimeRegistry(t, "util"),
		Launcher: fakeLauncher{
			exit: runtimeregistry.ExitResult{ExitCode: 1},
			produce: func(spec runtimeregistry.ProcessSpec) { attempts++ },
		},
		MaxRetries: map[catalog.StageName]int{catalog.StageDemux: 2},
	}

	res := Execute(context.Background(), deps, demuxStage(), rec, params.Resolved{BatchSize: 16})
	assert.Equal(t, OutcomeFailed, res.Status)
	assert.Equal(t, 3, attempts) // original + 2 retries
}

func TestExecutePartialOutputClearedBeforeRetry(t *testing.T) {
	rec, dir := newJobRecord(t, true)
	calls := 0
	deps := Deps{
		Registry: writableRuntimeRegistry(t, "util"),
		Launcher: fakeLauncher{
			exit: runtimeregistry.ExitResult{ExitCode: 1},
			produce: func(spec runtimeregistry.ProcessSpec) {
				calls++
				require.NoError(t, os.MkdirAll(filepath.Join(dir, "01_demux"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "01_demux/audio.wav"), []byte("partial"), 0o644))
			},
		},
		MaxRetries: map[catalog.StageName]int{catalog.StageDemux: 1},
	}

	Execute(context.Background(), deps, demuxStage(), rec, params.Resolved{BatchSize: 16})
	assert.Equal(t, 2, calls)
}
