// Package job defines the JobRecord written once by the job preparer
// and read thereafter by the executor and driver, per spec §3.
package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/orcherr"
)

// ClipRange optionally restricts processing to [Start, End) seconds of
// the source media.
type ClipRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Record is the immutable, write-once job description.
type Record struct {
	JobID            string           `json:"job_id"`
	CreatedAt        time.Time        `json:"created_at"`
	UserID           string           `json:"user_id"`
	Workflow         catalog.Workflow `json:"workflow"`
	SourceLanguage   string           `json:"source_language"`
	TargetLanguages  []string         `json:"target_languages"`
	MediaSourcePath  string           `json:"media_source_path"`
	MediaClipRange   *ClipRange       `json:"media_clip_range,omitempty"`
	JobDir           string           `json:"job_dir"`
	ConfigSnapshot   map[string]string `json:"config_snapshot"`
	RequiredRuntimes []string         `json:"required_runtimes"`
}

const recordFileName = "job.json"

// Validate checks the invariants spec §3 assigns to the job record.
func (r Record) Validate(outputRoot string) error {
	if r.JobID == "" {
		return orcherr.New(orcherr.InputInvalid, "", fmt.Errorf("job_id must not be empty"))
	}
	if !isURLSafe(r.JobID) {
		return orcherr.Newf(orcherr.InputInvalid, "", "job_id %q is not URL-safe", r.JobID)
	}
	absRoot, err := filepath.Abs(outputRoot)
	if err != nil {
		return orcherr.New(orcherr.InputInvalid, "", err)
	}
	absJobDir, err := filepath.Abs(r.JobDir)
	if err != nil {
		return orcherr.New(orcherr.InputInvalid, "", err)
	}
	rel, err := filepath.Rel(absRoot, absJobDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return orcherr.Newf(orcherr.InputInvalid, "", "job_dir %q must be a descendant of %q", r.JobDir, outputRoot)
	}
	if r.Workflow != catalog.WorkflowTranscribe && len(r.TargetLanguages) == 0 {
		return orcherr.Newf(orcherr.InputInvalid, "", "workflow %q requires at least one target language", r.Workflow)
	}
	if r.MediaClipRange != nil {
		if !(r.MediaClipRange.Start >= 0 && r.MediaClipRange.Start < r.MediaClipRange.End) {
			return orcherr.Newf(orcherr.InputInvalid, "", "clip range [%v, %v) must satisfy 0 <= start < end", r.MediaClipRange.Start, r.MediaClipRange.End)
		}
	}
	return nil
}

func isURLSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return len(s) > 0
}

// Write marshals r to job.json inside r.JobDir. The record is written
// exactly once by the preparer and never rewritten.
func (r Record) Write() error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return orcherr.New(orcherr.InputInvalid, "", err)
	}
	return os.WriteFile(filepath.Join(r.JobDir, recordFileName), data, 0o644)
}

// Load reads job.json from jobDir.
func Load(jobDir string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, recordFileName))
	if err != nil {
		return Record{}, orcherr.New(orcherr.InputMissing, "", fmt.Errorf("reading job record: %w", err))
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("parsing job record: %w", err))
	}
	return r, nil
}
