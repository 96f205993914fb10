// Package jobprep implements the job preparer (C5): it materializes a
// new job directory, copies the whole source media (a clip range is
// recorded in job.json, not applied to the copy), snapshots the
// resolved config, and writes the initial job record and manifest, so
// that afterward the driver never needs to consult global config
// again. Grounded on gangplank/spec/jobspec.go's file-writing
// conventions and the env-var snapshot habit in ocp/cosa-pod.go.
package jobprep

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreos/stagerunner/internal/capability"
	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/config"
	"github.com/coreos/stagerunner/internal/job"
	"github.com/coreos/stagerunner/internal/manifest"
	"github.com/coreos/stagerunner/internal/orcherr"
	"github.com/coreos/stagerunner/internal/params"
)

// Options bundles prepare's inputs.
type Options struct {
	UserID          string
	SourceMedia     string
	Workflow        catalog.Workflow
	SourceLanguage  string
	TargetLanguages []string
	ClipRange       *job.ClipRange
	DryRun          bool
}

// counterMu serializes the monotonic per-user-day counter across
// concurrent Prepare calls within this process; uuid.New() breaks ties
// across processes racing on the same counter file (spec §4.5).
var counterMu sync.Mutex

// Prepare runs the C5 algorithm and returns the resulting job record.
// When opts.DryRun is set, every step runs except the actual file
// writes, and the would-be job_id and job_dir are returned
// (SPEC_FULL §4 supplement: `prepare --dry-run`).
func Prepare(outputRoot string, global config.Global, cap capability.Record, opts Options) (job.Record, error) {
	if _, err := os.Stat(opts.SourceMedia); err != nil {
		return job.Record{}, orcherr.New(orcherr.InputMissing, "", fmt.Errorf("source media %q: %w", opts.SourceMedia, err))
	}
	if !catalog.ValidWorkflow(opts.Workflow) {
		return job.Record{}, orcherr.Newf(orcherr.InputInvalid, "", "unknown workflow %q", opts.Workflow)
	}

	now := time.Now().UTC()
	jobID, err := nextJobID(outputRoot, opts.UserID, now, !opts.DryRun)
	if err != nil {
		return job.Record{}, err
	}
	jobDir := filepath.Join(outputRoot, jobID)

	resolved, err := params.Resolve(cap, params.Overrides{}, params.Overrides{}, 0)
	if err != nil {
		return job.Record{}, err
	}

	snapshot := buildSnapshot(global, resolved)

	active := catalog.ActiveSet(opts.Workflow, nil)
	var requiredRuntimes []string
	seen := make(map[string]bool)
	for _, s := range active {
		if !seen[s.RequiredRuntime] {
			seen[s.RequiredRuntime] = true
			requiredRuntimes = append(requiredRuntimes, s.RequiredRuntime)
		}
	}

	rec := job.Record{
		JobID:            jobID,
		CreatedAt:        now,
		UserID:           opts.UserID,
		Workflow:         opts.Workflow,
		SourceLanguage:   opts.SourceLanguage,
		TargetLanguages:  opts.TargetLanguages,
		MediaSourcePath:  opts.SourceMedia,
		MediaClipRange:   opts.ClipRange,
		JobDir:           jobDir,
		ConfigSnapshot:   snapshot,
		RequiredRuntimes: requiredRuntimes,
	}
	if err := rec.Validate(outputRoot); err != nil {
		return job.Record{}, err
	}

	if opts.DryRun {
		return rec, nil
	}

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return job.Record{}, orcherr.New(orcherr.InputInvalid, "", err)
	}
	if err := os.MkdirAll(filepath.Join(jobDir, "config"), 0o755); err != nil {
		return job.Record{}, orcherr.New(orcherr.InputInvalid, "", err)
	}

	if err := materializeMedia(opts.SourceMedia, jobDir, opts.ClipRange); err != nil {
		return job.Record{}, err
	}

	snapFile, err := os.Create(filepath.Join(jobDir, "config", "env.snapshot"))
	if err != nil {
		return job.Record{}, orcherr.New(orcherr.InputInvalid, "", err)
	}
	defer snapFile.Close()
	if err := config.WriteEnvFile(snapFile, snapshot); err != nil {
		return job.Record{}, orcherr.New(orcherr.InputInvalid, "", err)
	}

	if err := rec.Write(); err != nil {
		return job.Record{}, err
	}

	m := manifest.New(jobID, opts.Workflow, active)
	if err := manifest.WriteInitial(jobDir, m); err != nil {
		return job.Record{}, err
	}

	fmt.Printf("job %s prepared at %s\nrun: cosa-stages run %s\n", jobID, jobDir, jobDir)
	return rec, nil
}

// nextJobID computes the next monotonic id for userID on now's date.
// When commit is false (a --dry-run preview), the counter file is read
// but never advanced, so a real Prepare run immediately afterward
// still gets the id the preview showed.
func nextJobID(outputRoot, userID string, now time.Time, commit bool) (string, error) {
	counterMu.Lock()
	defer counterMu.Unlock()

	datePrefix := now.Format("20060102")
	counterDir := filepath.Join(outputRoot, ".counters")
	counterPath := filepath.Join(counterDir, fmt.Sprintf("%s-%s", datePrefix, userID))

	n := 1
	if data, err := os.ReadFile(counterPath); err == nil {
		fmt.Sscanf(string(data), "%d", &n)
		n++
	}
	if !commit {
		return fmt.Sprintf("%s-%s-%04d", datePrefix, userID, n), nil
	}

	if err := os.MkdirAll(counterDir, 0o755); err != nil {
		return "", orcherr.New(orcherr.InputInvalid, "", err)
	}
	if err := os.WriteFile(counterPath, []byte(fmt.Sprintf("%d", n)), 0o644); err != nil {
		// Two processes racing on the same counter file: fall back to a
		// uuid-suffixed id rather than risk a duplicate job_id.
		return fmt.Sprintf("%s-%s-%04d-%s", datePrefix, userID, n, uuid.New().String()[:8]), nil
	}
	return fmt.Sprintf("%s-%s-%04d", datePrefix, userID, n), nil
}

func buildSnapshot(global config.Global, resolved params.Resolved) config.Snapshot {
	return config.Snapshot{
		"WORKDIR_ROOT":   global.WorkdirRoot,
		"CACHE_DIR":      global.CacheDir,
		"ENABLE_CACHING": fmt.Sprintf("%v", global.EnableCaching),
		"DEVICE":         string(resolved.Device),
		"BATCH_SIZE":     fmt.Sprintf("%d", resolved.BatchSize),
		"PRECISION":      string(resolved.Precision),
		"ASR_MODEL":      resolved.ASRModel,
		"CHUNK_DURATION": fmt.Sprintf("%d", resolved.ChunkDuration),
	}
}

// materializeMedia stages source at jobDir/media/<basename> per spec
// §3's media/<basename> layout. Full clipping is performed by the
// demux stage using the range recorded in job.json; the preparer's job
// is only to ensure a readable, correctly-named source is staged in
// the job directory, clip or no clip.
func materializeMedia(source, jobDir string, clip *job.ClipRange) error {
	mediaDir := filepath.Join(jobDir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return orcherr.New(orcherr.InputInvalid, "", err)
	}
	dest := filepath.Join(mediaDir, filepath.Base(source))

	in, err := os.Open(source)
	if err != nil {
		return orcherr.New(orcherr.InputMissing, "", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return orcherr.New(orcherr.InputInvalid, "", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return orcherr.New(orcherr.InputInvalid, "", err)
	}
	return nil
}
