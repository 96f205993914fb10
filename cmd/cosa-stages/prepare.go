package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreos/stagerunner/internal/capability"
	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/config"
	"github.com/coreos/stagerunner/internal/job"
	"github.com/coreos/stagerunner/internal/jobprep"
	"github.com/coreos/stagerunner/internal/orcherr"
)

var (
	prepUserID    string
	prepWorkflow  string
	prepSrcLang   string
	prepTgtLangs  []string
	prepClipStart float64
	prepClipEnd   float64
	prepDryRun    bool
)

var cmdPrepare = &cobra.Command{
	Use:   "prepare [media path]",
	Short: "prepare a new job directory",
	Args:  cobra.ExactArgs(1),
	Run:   runPrepare,
}

func init() {
	cmdPrepare.Flags().StringVar(&prepUserID, "user", "anon", "user id for job_id assignment")
	cmdPrepare.Flags().StringVar(&prepWorkflow, "workflow", string(catalog.WorkflowTranscribe), "workflow: transcribe|translate|subtitle")
	cmdPrepare.Flags().StringVar(&prepSrcLang, "src-lang", "", "source language code")
	cmdPrepare.Flags().StringSliceVar(&prepTgtLangs, "tgt-langs", nil, "target language codes")
	cmdPrepare.Flags().Float64Var(&prepClipStart, "clip-start", -1, "clip start in seconds")
	cmdPrepare.Flags().Float64Var(&prepClipEnd, "clip-end", -1, "clip end in seconds")
	cmdPrepare.Flags().BoolVar(&prepDryRun, "dry-run", false, "preview the job without writing anything")
}

func runPrepare(cmd *cobra.Command, args []string) {
	mediaPath := args[0]
	if prepUserID == "" {
		fmt.Fprintln(os.Stderr, "prepare: --user must not be empty")
		os.Exit(2)
	}

	global, err := config.LoadGlobal(globalConfigPath, envMap())
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare: %v\n", err)
		os.Exit(2)
	}

	cap, err := capability.LoadOrProbe(capabilityCacheFile(global.CacheDir), capabilityCacheTTL, capability.Override{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare: probing capability: %v\n", err)
		os.Exit(2)
	}

	var clip *job.ClipRange
	if prepClipStart >= 0 && prepClipEnd >= 0 {
		clip = &job.ClipRange{Start: prepClipStart, End: prepClipEnd}
	}

	rec, err := jobprep.Prepare(global.WorkdirRoot, global, cap, jobprep.Options{
		UserID:          prepUserID,
		SourceMedia:     mediaPath,
		Workflow:        catalog.Workflow(prepWorkflow),
		SourceLanguage:  prepSrcLang,
		TargetLanguages: prepTgtLangs,
		ClipRange:       clip,
		DryRun:          prepDryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare: %v\n", err)
		os.Exit(prepareExitCode(err))
	}

	if prepDryRun {
		_ = config.WriteEnvFile(os.Stdout, rec.ConfigSnapshot)
	}
	fmt.Println(rec.JobID)
}

// prepareExitCode maps orcherr kinds to the spec §6 prepare exit
// codes: 0 success, 2 invalid arguments, 3 media not found/unreadable,
// 4 invalid workflow or language combination.
func prepareExitCode(err error) int {
	kind, ok := orcherr.KindOf(err)
	if !ok {
		return 2
	}
	switch kind {
	case orcherr.InputMissing:
		return 3
	case orcherr.InputInvalid:
		return 4
	default:
		return 2
	}
}
