// Package manifest implements the durable, transactional per-job
// manifest (C6): stage statuses, timestamps, durations, artifact
// paths, and error records, written with the lock -> tmp-file -> fsync
// -> atomic-rename protocol spec §4.6 requires.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/orcherr"
)

// Status is a stage's lifecycle state.
type Status string

// The closed set of stage states, per spec §4 state machine.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Entry is the manifest's per-stage record.
type Entry struct {
	Status             Status              `json:"status"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
	DurationSeconds    *float64            `json:"duration_seconds,omitempty"`
	Attempts           int                 `json:"attempts"`
	LastError          string              `json:"last_error,omitempty"`
	ProducedArtifacts  []catalog.RelPath   `json:"produced_artifacts,omitempty"`
	CacheHit           bool                `json:"cache_hit"`
}

// Manifest is the full per-job durable record. Stages is a map keyed
// by stage name, but StageOrder preserves the catalog ordering the
// spec requires the JSON to reflect on disk.
type Manifest struct {
	JobID      string                      `json:"job_id"`
	Workflow   catalog.Workflow            `json:"workflow"`
	StageOrder []catalog.StageName         `json:"stage_order"`
	Stages     map[catalog.StageName]Entry `json:"stages"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// New creates an empty manifest with every active stage pending, in
// catalog order.
func New(jobID string, wf catalog.Workflow, active []catalog.StageDescriptor) *Manifest {
	m := &Manifest{
		JobID:     jobID,
		Workflow:  wf,
		Stages:    make(map[catalog.StageName]Entry, len(active)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, s := range active {
		m.StageOrder = append(m.StageOrder, s.Name)
		m.Stages[s.Name] = Entry{Status: StatusPending}
	}
	return m
}

const manifestFileName = "manifest.json"

// path returns the manifest.json path inside jobDir.
func path(jobDir string) string { return filepath.Join(jobDir, manifestFileName) }

// decode parses and validates the manifest JSON, downgrading any
// stage left `running` from a prior, presumably crashed, invocation to
// `failed("interrupted")` per spec §4.6.
func decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, orcherr.New(orcherr.ManifestCorrupt, "", err)
	}
	for name, e := range m.Stages {
		if e.Status == StatusRunning {
			e.Status = StatusFailed
			e.LastError = "interrupted"
			m.Stages[name] = e
			log.WithField("stage", name).Warn("recovered running stage as failed(interrupted)")
		}
	}
	return &m, nil
}

// Load reads and validates the manifest from jobDir.
func Load(jobDir string) (*Manifest, error) {
	data, err := os.ReadFile(path(jobDir))
	if err != nil {
		return nil, orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("reading manifest: %w", err))
	}
	return decode(data)
}

// writeAtomic implements the durability protocol: write manifest.json.tmp,
// fsync, rename over manifest.json. The advisory lock is held by the
// caller (Store), matching the teacher's load-then-mutate-then-replace
// idiom used for minio config persistence.
func writeAtomic(jobDir string, m *Manifest) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return orcherr.New(orcherr.ManifestCorrupt, "", err)
	}

	tmp := path(jobDir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("creating tmp manifest: %w", err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("writing tmp manifest: %w", err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("fsync tmp manifest: %w", err))
	}
	if err := f.Close(); err != nil {
		return orcherr.New(orcherr.ManifestCorrupt, "", err)
	}
	if err := os.Rename(tmp, path(jobDir)); err != nil {
		return orcherr.New(orcherr.ManifestCorrupt, "", fmt.Errorf("renaming manifest into place: %w", err))
	}
	return nil
}

// WriteInitial writes m to jobDir's manifest.json for the first time,
// used only by the job preparer before any Store has ever opened the
// job directory; every subsequent mutation goes through Store so the
// advisory lock is always held.
func WriteInitial(jobDir string, m *Manifest) error {
	return writeAtomic(jobDir, m)
}

// OrderedNames returns the manifest's stages in catalog order.
func (m *Manifest) OrderedNames() []catalog.StageName {
	out := make([]catalog.StageName, len(m.StageOrder))
	copy(out, m.StageOrder)
	return out
}

// AnyRunning reports whether a stage is currently `running`, the
// condition the single-running invariant constrains.
func (m *Manifest) AnyRunning() bool {
	for _, e := range m.Stages {
		if e.Status == StatusRunning {
			return true
		}
	}
	return false
}
