// Package executor implements the stage executor (C8): the
// single-stage run loop of input validation, cache short-circuit,
// runtime resolution, subprocess launch with timeout, output
// verification, and retry-with-degradation, generalizing
// gangplank/spec/stages.go's Stage.Execute to one externally-defined
// stage process per invocation.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/stagerunner/internal/cachestore"
	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/job"
	"github.com/coreos/stagerunner/internal/orcherr"
	"github.com/coreos/stagerunner/internal/params"
	"github.com/coreos/stagerunner/internal/runtimeregistry"
)

// defaultMaxRetries is the per-stage retry budget absent a per-stage
// override (spec §4.8 step 7: "default: 0 retries").
const defaultMaxRetries = 0

// logTailLines is how many trailing log lines are captured into
// manifest.Entry.LastError on failure.
const logTailLines = 40

// Result is what a single Execute call reports back to the driver.
type Result struct {
	Status       StageOutcome
	Artifacts    []catalog.RelPath
	CacheHit     bool
	ErrorMessage string
}

// StageOutcome mirrors the terminal manifest statuses an executed
// stage may land in.
type StageOutcome string

const (
	OutcomeSucceeded StageOutcome = "succeeded"
	OutcomeFailed    StageOutcome = "failed"
	OutcomeSkipped   StageOutcome = "skipped"
)

// Deps bundles the collaborators Execute needs. A nil Cache disables
// caching entirely — per spec §4.7, "cache is optional."
type Deps struct {
	Registry  *runtimeregistry.Registry
	Cache     *cachestore.Manager
	Launcher  runtimeregistry.Launcher
	MaxRetries map[catalog.StageName]int // per-stage override; absent = defaultMaxRetries
}

// Execute runs one stage to a terminal outcome, including its retry
// ladder, per spec §4.8.
func Execute(ctx context.Context, deps Deps, stage catalog.StageDescriptor, rec job.Record, resolved params.Resolved) Result {
	if err := validateInputs(rec.JobDir, stage.Inputs); err != nil {
		return Result{Status: OutcomeFailed, ErrorMessage: err.Error()}
	}

	if stage.Cacheable && deps.Cache != nil {
		key := contentKey(deps.Cache, stage, rec, resolved)
		if hit, ok, err := deps.Cache.Lookup(cachestore.Layer(stage.CacheLayer), key); err == nil && ok {
			artifact, copyErr := copyCacheHitIntoOutputs(hit.PayloadPath, rec.JobDir, stage.Outputs)
			if copyErr == nil {
				return Result{Status: OutcomeSucceeded, CacheHit: true, Artifacts: []catalog.RelPath{artifact}}
			}
		}
	}

	descriptor, err := deps.Registry.Resolve(ctx, stage.RequiredRuntime)
	if err != nil {
		if stage.Optional {
			return Result{Status: OutcomeSkipped, ErrorMessage: "required runtime unavailable: " + stage.RequiredRuntime}
		}
		return Result{Status: OutcomeFailed, ErrorMessage: err.Error()}
	}

	maxRetries := defaultMaxRetries
	if v, ok := deps.MaxRetries[stage.Name]; ok {
		maxRetries = v
	}

	attemptParams := resolved
	var lastErr string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := clearOutputs(rec.JobDir, stage.Outputs); err != nil {
				return Result{Status: OutcomeFailed, ErrorMessage: fmt.Sprintf("clearing partial output before retry: %v", err)}
			}
			attemptParams = params.Degrade(resolved, attempt)
		}

		res, errMsg := runOnce(ctx, deps, stage, rec, descriptor, attemptParams)
		if res.Status == OutcomeSucceeded {
			if stage.Cacheable && deps.Cache != nil {
				insertPrimaryOutput(deps.Cache, stage, rec, resolved, res.Artifacts)
			}
			return res
		}
		lastErr = errMsg
		if ctx.Err() != nil {
			// Cancellation, not a transient failure: further retries
			// would only relaunch into an already-cancelled context.
			break
		}
	}
	return Result{Status: OutcomeFailed, ErrorMessage: lastErr}
}

func validateInputs(jobDir string, inputs []catalog.RelPath) error {
	for _, in := range inputs {
		p := filepath.Join(jobDir, string(in))
		if _, err := os.Stat(p); err != nil {
			return orcherr.Newf(orcherr.InputMissing, "", "required input %q missing: %v", in, err)
		}
	}
	return nil
}

func verifyOutputs(jobDir string, outputs []catalog.RelPath) error {
	for _, out := range outputs {
		p := filepath.Join(jobDir, string(out))
		if _, err := os.Stat(p); err != nil {
			return orcherr.Newf(orcherr.OutputMissing, "", "declared output %q not produced: %v", out, err)
		}
	}
	return nil
}

func clearOutputs(jobDir string, outputs []catalog.RelPath) error {
	for _, out := range outputs {
		if err := os.RemoveAll(filepath.Join(jobDir, string(out))); err != nil {
			return err
		}
	}
	return nil
}

func runOnce(ctx context.Context, deps Deps, stage catalog.StageDescriptor, rec job.Record, rt runtimeregistry.Descriptor, resolved params.Resolved) (Result, string) {
	logDir := filepath.Join(rec.JobDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return Result{Status: OutcomeFailed, ErrorMessage: err.Error()}, err.Error()
	}
	logPath := filepath.Join(logDir, string(stage.Name)+".log")
	rotateStageLogs(logDir, string(stage.Name), logPath)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{Status: OutcomeFailed, ErrorMessage: err.Error()}, err.Error()
	}
	defer logFile.Close()

	env := buildEnv(rt, resolved, logPath)

	spec := runtimeregistry.ProcessSpec{
		Executable: rt.Executable,
		Args:       []string{rec.JobDir},
		Env:        env,
		WorkDir:    rec.JobDir,
		Stdout:     logFile,
		Stderr:     logFile,
		Timeout:    stage.Timeout,
	}

	launcher := deps.Launcher
	if launcher == nil {
		launcher = runtimeregistry.LocalLauncher{}
	}

	exit, err := launcher.Launch(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: OutcomeFailed, ErrorMessage: "interrupted"}, "interrupted"
		}
		msg := fmt.Sprintf("launch error: %v", err)
		return Result{Status: OutcomeFailed, ErrorMessage: msg}, msg
	}
	if exit.TimedOut {
		msg := fmt.Sprintf("stage %s timed out after %s", stage.Name, stage.Timeout)
		return Result{Status: OutcomeFailed, ErrorMessage: msg}, msg
	}
	if exit.ExitCode != 0 {
		tail, _ := tailFile(logPath, logTailLines)
		return Result{Status: OutcomeFailed, ErrorMessage: tail}, tail
	}
	if err := verifyOutputs(rec.JobDir, stage.Outputs); err != nil {
		return Result{Status: OutcomeFailed, ErrorMessage: err.Error()}, err.Error()
	}
	return Result{Status: OutcomeSucceeded, Artifacts: stage.Outputs}, ""
}

func buildEnv(rt runtimeregistry.Descriptor, resolved params.Resolved, logPath string) []string {
	env := os.Environ()
	for k, v := range rt.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"STAGERUNNER_DEVICE="+string(resolved.Device),
		"STAGERUNNER_BATCH_SIZE="+strconv.Itoa(resolved.BatchSize),
		"STAGERUNNER_PRECISION="+string(resolved.Precision),
		"STAGERUNNER_ASR_MODEL="+resolved.ASRModel,
		"STAGERUNNER_CHUNK_DURATION="+strconv.Itoa(resolved.ChunkDuration),
		"STAGERUNNER_STAGE_LOG="+logPath,
	)
	return env
}

// rotateStageLogs moves an existing stage log aside to a timestamped
// backup before a fresh attempt starts, keeping only the most recent 3
// backups per stage (SPEC_FULL §4 supplement: per-stage log retention).
func rotateStageLogs(logDir, stageName, currentLogPath string) {
	const keep = 3
	if _, err := os.Stat(currentLogPath); err == nil {
		backup := filepath.Join(logDir, fmt.Sprintf("%s.log.%d", stageName, time.Now().UnixNano()))
		_ = os.Rename(currentLogPath, backup)
	}

	matches, err := filepath.Glob(filepath.Join(logDir, stageName+".log.*"))
	if err != nil || len(matches) <= keep {
		return
	}
	sort.Strings(matches) // nanosecond suffixes sort chronologically
	for _, old := range matches[:len(matches)-keep] {
		_ = os.Remove(old)
	}
}

func tailFile(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := splitLines(string(data))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func contentKey(cache *cachestore.Manager, stage catalog.StageDescriptor, rec job.Record, resolved params.Resolved) string {
	switch stage.CacheLayer {
	case "fingerprint":
		h, err := cachestore.HashFile(mediaPath(rec))
		if err != nil {
			return ""
		}
		return cachestore.FingerprintKey(h)
	case "asr":
		audioHash, _ := cachestore.HashFile(filepath.Join(rec.JobDir, "01_demux/audio.wav"))
		cfg := map[string]string{
			"batch_size": strconv.Itoa(resolved.BatchSize),
			"precision":  string(resolved.Precision),
		}
		return cachestore.ASRKey(audioHash, resolved.ASRModel, rec.SourceLanguage, cfg)
	case "translation":
		audioHash, _ := cachestore.HashFile(filepath.Join(rec.JobDir, "05_alignment/segments_aligned.json"))
		tgt := strings.Join(rec.TargetLanguages, ",")
		return cachestore.TranslationKey(audioHash, rec.SourceLanguage, tgt, glossaryHash(cache, rec), "")
	default:
		return ""
	}
}

// mediaID stands in for spec §4.7's media_id: the glossary layer keys
// on "the same media", and the streamed audio fingerprint is already
// this repo's content-addressed identity for a media file.
func mediaID(rec job.Record) string {
	h, err := cachestore.HashFile(mediaPath(rec))
	if err != nil {
		return rec.JobID
	}
	return h
}

// glossaryHash looks up the learned glossary for this media (appended
// to across jobs, never rewritten, per spec §4.7) and returns the hash
// of its current content, or "" when no cache is configured or no
// glossary has been learned for this media yet.
func glossaryHash(cache *cachestore.Manager, rec job.Record) string {
	if cache == nil {
		return ""
	}
	hit, ok, err := cache.Lookup(cachestore.LayerGlossary, cachestore.GlossaryKey(mediaID(rec)))
	if err != nil || !ok {
		return ""
	}
	h, err := cachestore.HashFile(hit.PayloadPath)
	if err != nil {
		return ""
	}
	return h
}

// insertGlossaryDelta merges a translation run's learned glossary
// fragment, when the stage emitted one, into the glossary cache layer
// keyed by media_id. Absence of the delta file is normal — not every
// translation run updates the glossary.
func insertGlossaryDelta(cache *cachestore.Manager, rec job.Record) {
	delta := filepath.Join(rec.JobDir, "06_translation", "glossary_delta.json")
	if _, err := os.Stat(delta); err != nil {
		return
	}
	if err := cache.Insert(cachestore.LayerGlossary, cachestore.GlossaryKey(mediaID(rec)), delta, 0); err != nil {
		log.WithError(err).Warn("glossary cache insert failed, learned terms not persisted")
	}
}

// copyCacheHitIntoOutputs replays a cache hit into a stage's declared
// output path. A payload may be a single file (asr/fingerprint) or a
// directory (translation, whose outputs span one file per target
// language); the copy strategy follows whichever the cached payload
// actually is, not what the stage happens to declare.
func copyCacheHitIntoOutputs(payloadPath, jobDir string, outputs []catalog.RelPath) (catalog.RelPath, error) {
	if len(outputs) == 0 {
		return "", fmt.Errorf("stage declares no outputs to receive cache hit")
	}
	dest := filepath.Join(jobDir, string(outputs[0]))

	info, err := os.Stat(payloadPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		if err := os.RemoveAll(dest); err != nil {
			return "", err
		}
		if err := cachestore.CopyDir(payloadPath, dest); err != nil {
			return "", err
		}
		return outputs[0], nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	in, err := os.Open(payloadPath)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return "", err
	}
	return outputs[0], nil
}

func insertPrimaryOutput(cache *cachestore.Manager, stage catalog.StageDescriptor, rec job.Record, resolved params.Resolved, artifacts []catalog.RelPath) {
	if len(artifacts) == 0 {
		return
	}
	key := contentKey(cache, stage, rec, resolved)
	if key == "" {
		return
	}
	src := filepath.Join(rec.JobDir, string(artifacts[0]))
	if err := cache.Insert(cachestore.Layer(stage.CacheLayer), key, src, 90); err != nil {
		log.WithError(err).WithFields(log.Fields{"stage": stage.Name, "layer": stage.CacheLayer}).Warn("cache insert failed, stage output remains uncached")
	}

	if stage.Name == catalog.StageTranslation {
		insertGlossaryDelta(cache, rec)
	}
}

// mediaPath locates the staged source media inside jobDir/media, which
// the preparer lays out as media/<basename> (spec §3) rather than a
// flat file, so that the original filename survives for tools that
// care about extension.
func mediaPath(rec job.Record) string {
	return filepath.Join(rec.JobDir, "media", filepath.Base(rec.MediaSourcePath))
}
