// Package driver implements the pipeline driver (C9): loads a job's
// manifest, validates required runtimes, then walks the active stage
// set invoking the executor, stopping on fatal failure, with
// two-phase SIGINT cancellation. Grounded on gangplank/ocp/worker.go's
// stage-range loop and gangplank/cmd/main.go's top-level run shape.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/coreos/stagerunner/internal/cachestore"
	"github.com/coreos/stagerunner/internal/capability"
	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/executor"
	"github.com/coreos/stagerunner/internal/job"
	"github.com/coreos/stagerunner/internal/manifest"
	"github.com/coreos/stagerunner/internal/mediaprobe"
	"github.com/coreos/stagerunner/internal/orcherr"
	"github.com/coreos/stagerunner/internal/params"
	"github.com/coreos/stagerunner/internal/runtimeregistry"
)

// mediaProbeTimeout bounds the one-time ffprobe call the driver makes
// to learn a job's audio duration for params.Resolve's long-media
// heuristic (spec §4.4).
const mediaProbeTimeout = 30 * time.Second

// Options configures one driver run.
type Options struct {
	Restart     bool
	StageSubset []catalog.StageName
	DryRun      bool
	NoProgress  bool // disable the mpb bar, e.g. for non-interactive CI logs
}

// Summary is printed at the end of a run per spec §4.9 step 4.
type Summary struct {
	StagesRun   int
	CacheHits   int
	TotalTime   time.Duration
	FinalStatus string // "succeeded", "failed", "interrupted"
}

// Deps bundles the collaborators Run needs.
type Deps struct {
	Registry     *runtimeregistry.Registry
	Cache        *cachestore.Manager
	Launcher     runtimeregistry.Launcher
	Capability   capability.Record
	GlobalParams params.Overrides
}

// Run executes C9's algorithm against jobDir.
func Run(ctx context.Context, jobDir string, deps Deps, opts Options) (Summary, error) {
	start := time.Now()

	rec, err := job.Load(jobDir)
	if err != nil {
		return Summary{}, err
	}

	st, err := manifest.Open(jobDir)
	if err != nil {
		return Summary{}, err
	}
	defer st.Close()

	enabledOverride := subsetToOverride(opts.StageSubset, rec.Workflow)
	report := deps.Registry.ValidateForWorkflow(ctx, rec.Workflow, enabledOverride)
	if !report.OK {
		return Summary{}, orcherr.Newf(orcherr.RuntimeUnavailable, "", "missing required runtimes: %v", report.Missing)
	}

	active := catalog.ActiveSet(rec.Workflow, enabledOverride)

	audioDurationS, err := mediaprobe.DurationWithTimeout(filepath.Join(jobDir, "media", filepath.Base(rec.MediaSourcePath)), mediaProbeTimeout)
	if err != nil {
		log.WithError(err).WithField("job_id", rec.JobID).Warn("could not probe media duration, long-media heuristics disabled")
		audioDurationS = 0
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	interrupted := installSignalHandler(cancel)
	defer signal.Stop(interrupted)

	var bar *mpb.Progress
	var progressBar *mpb.Bar
	if !opts.NoProgress {
		bar = mpb.New(mpb.WithWidth(60))
		progressBar = bar.AddBar(int64(len(active)),
			mpb.PrependDecorators(decor.Name(rec.JobID)),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)
	}

	summary := Summary{FinalStatus: "succeeded"}

	for _, stage := range active {
		if opts.DryRun {
			fmt.Printf("would run: %s\n", stage.Name)
			continue
		}

		entry := st.Entry(stage.Name)
		if entry.Status == manifest.StatusSucceeded && !opts.Restart {
			if progressBar != nil {
				progressBar.Increment()
			}
			continue
		}

		select {
		case <-runCtx.Done():
			_ = st.FinishStage(stage.Name, manifest.StatusFailed, nil, "interrupted")
			summary.FinalStatus = "interrupted"
			summary.TotalTime = time.Since(start)
			return summary, orcherr.New(orcherr.Interrupted, string(stage.Name), runCtx.Err())
		default:
		}

		if err := st.StartStage(stage.Name); err != nil {
			return summary, err
		}

		resolved, err := params.Resolve(deps.Capability, deps.GlobalParams, params.Overrides{}, audioDurationS)
		if err != nil {
			_ = st.FinishStage(stage.Name, manifest.StatusFailed, nil, err.Error())
			summary.FinalStatus = "failed"
			summary.TotalTime = time.Since(start)
			return summary, err
		}

		res := executor.Execute(runCtx, executor.Deps{
			Registry: deps.Registry,
			Cache:    deps.Cache,
			Launcher: deps.Launcher,
		}, stage, rec, resolved)

		switch res.Status {
		case executor.OutcomeSucceeded:
			if res.CacheHit {
				if err := st.MarkCacheHit(stage.Name, res.Artifacts[0]); err != nil {
					return summary, err
				}
				summary.CacheHits++
			} else if err := st.FinishStage(stage.Name, manifest.StatusSucceeded, res.Artifacts, ""); err != nil {
				return summary, err
			}
			summary.StagesRun++
		case executor.OutcomeSkipped:
			if err := st.FinishStage(stage.Name, manifest.StatusSkipped, nil, res.ErrorMessage); err != nil {
				return summary, err
			}
		case executor.OutcomeFailed:
			if runCtx.Err() != nil {
				_ = st.FinishStage(stage.Name, manifest.StatusFailed, nil, "interrupted")
				summary.FinalStatus = "interrupted"
				summary.TotalTime = time.Since(start)
				if progressBar != nil {
					bar.Wait()
				}
				log.WithFields(log.Fields{"job_id": rec.JobID, "stage": stage.Name}).Warn("stage interrupted")
				return summary, orcherr.New(orcherr.Interrupted, string(stage.Name), runCtx.Err())
			}
			_ = st.FinishStage(stage.Name, manifest.StatusFailed, nil, res.ErrorMessage)
			summary.FinalStatus = "failed"
			summary.TotalTime = time.Since(start)
			if progressBar != nil {
				bar.Wait()
			}
			log.WithFields(log.Fields{"job_id": rec.JobID, "stage": stage.Name}).Error("stage failed, stopping pipeline")
			return summary, orcherr.New(orcherr.SubprocessFailed, string(stage.Name), errors.New(res.ErrorMessage))
		}

		if progressBar != nil {
			progressBar.Increment()
		}
	}

	if progressBar != nil {
		bar.Wait()
	}
	summary.TotalTime = time.Since(start)
	log.WithFields(log.Fields{
		"job_id":     rec.JobID,
		"stages_run": summary.StagesRun,
		"cache_hits": summary.CacheHits,
		"duration":   summary.TotalTime,
	}).Info("pipeline run complete")
	return summary, nil
}

// installSignalHandler arms SIGINT/SIGTERM: the first signal cancels
// runCtx (propagating to the in-flight stage subprocess); a second
// signal terminates the driver immediately, per spec §4.9.
func installSignalHandler(cancel context.CancelFunc) chan os.Signal {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		count := 0
		for range sigCh {
			count++
			if count == 1 {
				log.Warn("interrupt received, stopping current stage")
				cancel()
				continue
			}
			log.Warn("second interrupt received, terminating immediately")
			os.Exit(130)
		}
	}()
	return sigCh
}

func subsetToOverride(subset []catalog.StageName, wf catalog.Workflow) map[catalog.StageName]bool {
	if len(subset) == 0 {
		return nil
	}
	wanted := make(map[catalog.StageName]bool, len(subset))
	for _, s := range subset {
		wanted[s] = true
	}
	override := make(map[catalog.StageName]bool)
	for _, s := range catalog.ActiveSet(wf, nil) {
		override[s.Name] = wanted[s.Name]
	}
	return override
}
