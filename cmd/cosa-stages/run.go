package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreos/stagerunner/internal/cachestore"
	"github.com/coreos/stagerunner/internal/capability"
	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/config"
	"github.com/coreos/stagerunner/internal/driver"
	"github.com/coreos/stagerunner/internal/job"
	"github.com/coreos/stagerunner/internal/orcherr"
	"github.com/coreos/stagerunner/internal/params"
	"github.com/coreos/stagerunner/internal/runtimeregistry"
)

var (
	runRestart    bool
	runStageNames []string
	runDryRun     bool
)

var cmdRun = &cobra.Command{
	Use:   "run [job dir]",
	Short: "run (or resume) a prepared job's pipeline",
	Args:  cobra.ExactArgs(1),
	Run:   runRun,
}

func init() {
	cmdRun.Flags().BoolVar(&runRestart, "restart", false, "re-run stages even if already succeeded")
	cmdRun.Flags().StringSliceVar(&runStageNames, "stages", nil, "restrict to this subset of stage names")
	cmdRun.Flags().BoolVar(&runDryRun, "dry-run", false, "print the stages that would run without running them")
}

func runRun(cmd *cobra.Command, args []string) {
	jobDir := args[0]
	if _, err := os.Stat(jobDir); err != nil {
		fmt.Fprintf(os.Stderr, "run: job directory %q not found\n", jobDir)
		os.Exit(5)
	}

	rec, err := job.Load(jobDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(5)
	}

	global, err := config.LoadGlobal(globalConfigPath, envMap())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(2)
	}

	cap, err := capability.LoadOrProbe(capabilityCacheFile(global.CacheDir), capabilityCacheTTL, capability.Override{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: probing capability: %v\n", err)
		os.Exit(2)
	}

	registry := runtimeregistry.New(global.RuntimeRoots)
	if cachePath := os.Getenv("RUNTIME_PROBE_CACHE"); cachePath != "" {
		registry.EnableDiskCache(cachePath, runtimeProbeCacheTTL)
	}

	var cache *cachestore.Manager
	if global.EnableCaching {
		var mirror *cachestore.Mirror
		if global.RemoteCacheMirror != nil {
			m, err := cachestore.NewMirror(
				global.RemoteCacheMirror.Endpoint,
				global.RemoteCacheMirror.AccessKey,
				global.RemoteCacheMirror.SecretKey,
				global.RemoteCacheMirror.Bucket,
				global.RemoteCacheMirror.UseTLS,
			)
			if err != nil {
				fmt.Fprintf(os.Stderr, "run: remote cache mirror disabled: %v\n", err)
			} else {
				mirror = m
			}
		}
		cache, err = cachestore.New(global.CacheDir, global.MaxCacheSizeGB, mirror)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(2)
		}
	}

	var subset []catalog.StageName
	for _, s := range runStageNames {
		subset = append(subset, catalog.StageName(s))
	}

	deps := driver.Deps{
		Registry:     registry,
		Cache:        cache,
		Launcher:     runtimeregistry.NewDefaultLauncher(),
		Capability:   cap,
		GlobalParams: params.Overrides{},
	}

	summary, err := driver.Run(context.Background(), jobDir, deps, driver.Options{
		Restart:     runRestart,
		StageSubset: subset,
		DryRun:      runDryRun,
	})

	fmt.Printf("job %s: %s (%d stages run, %d cache hits, %s)\n",
		rec.JobID, summary.FinalStatus, summary.StagesRun, summary.CacheHits, summary.TotalTime)

	if err != nil {
		os.Exit(runExitCode(err))
	}
}

// runExitCode maps orcherr kinds to the spec §6 run exit codes: 0 all
// succeeded, 1 a stage failed, 2 invalid arguments, 5 job not found, 6
// required runtime unavailable.
func runExitCode(err error) int {
	kind, ok := orcherr.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case orcherr.RuntimeUnavailable:
		return 6
	case orcherr.InputMissing, orcherr.ManifestCorrupt:
		return 5
	case orcherr.InputInvalid, orcherr.ConfigInvalid:
		return 2
	default:
		return 1
	}
}
