// Package catalog holds the static, ordered list of stage descriptors
// that define the pipeline. It is the single source of truth the spec
// requires: stage identity is a closed Go const, not a string key into
// a dispatch table, per the "dynamic stage dispatch by string name"
// redesign note.
package catalog

import "time"

// StageName is the closed set of stages the orchestrator knows how to
// run. Adding a stage means adding a const here and an entry in
// catalog — a typed, localized change, not a new string scattered
// through the codebase.
type StageName string

// The stage catalog, in ordinal order. This order is stable across
// releases: a later stage never feeds an earlier one.
const (
	StageDemux             StageName = "demux"
	StageSourceSeparation  StageName = "source_separation"
	StageVAD               StageName = "vad"
	StageASR               StageName = "asr"
	StageAlignment         StageName = "alignment"
	StageTranslation       StageName = "translation"
	StageSubtitles         StageName = "subtitles"
	StageMux               StageName = "mux"
)

// Workflow is one of the three closed pipelines the spec defines.
type Workflow string

// Supported workflows. subtitle is the superset of translate, which is
// the superset of transcribe.
const (
	WorkflowTranscribe Workflow = "transcribe"
	WorkflowTranslate  Workflow = "translate"
	WorkflowSubtitle   Workflow = "subtitle"
)

// RelPath is a path relative to the job directory.
type RelPath string

// StageDescriptor is the immutable, compile-time definition of one
// pipeline stage.
type StageDescriptor struct {
	Name            StageName
	Ordinal         int
	RequiredRuntime string
	Optional        bool
	Inputs          []RelPath
	Outputs         []RelPath
	Timeout         time.Duration
	DefaultEnabled  bool
	Cacheable       bool
	CacheLayer      string
}

// stages is the immutable catalog, declared once, ordinal order.
var stages = []StageDescriptor{
	{
		Name:            StageDemux,
		Ordinal:         1,
		RequiredRuntime: "util",
		Inputs:          []RelPath{"media"},
		Outputs:         []RelPath{"01_demux/audio.wav"},
		Timeout:         30 * time.Minute,
		DefaultEnabled:  true,
		Cacheable:       true,
		CacheLayer:      "fingerprint",
	},
	{
		Name:            StageSourceSeparation,
		Ordinal:         2,
		RequiredRuntime: "source_separation",
		Optional:        true,
		Inputs:          []RelPath{"01_demux/audio.wav"},
		Outputs:         []RelPath{"02_source_separation/vocals.wav", "02_source_separation/accompaniment.wav"},
		Timeout:         2 * time.Hour,
		DefaultEnabled:  true,
	},
	{
		Name:            StageVAD,
		Ordinal:         3,
		RequiredRuntime: "util",
		Inputs:          []RelPath{"01_demux/audio.wav"},
		Outputs:         []RelPath{"03_vad/speech_segments.json"},
		Timeout:         30 * time.Minute,
		DefaultEnabled:  true,
	},
	{
		Name:            StageASR,
		Ordinal:         4,
		RequiredRuntime: "asr_gpu",
		// VAD's speech_segments.json is deliberately not a declared input:
		// VAD only belongs to the subtitle active set, and ASR must also
		// run standalone in transcribe/translate.
		Inputs:          []RelPath{"01_demux/audio.wav"},
		Outputs:         []RelPath{"04_asr/segments.json"},
		Timeout:         4 * time.Hour,
		DefaultEnabled:  true,
		Cacheable:       true,
		CacheLayer:      "asr",
	},
	{
		Name:            StageAlignment,
		Ordinal:         5,
		RequiredRuntime: "util",
		Inputs:          []RelPath{"04_asr/segments.json"},
		Outputs:         []RelPath{"05_alignment/segments_aligned.json"},
		Timeout:         time.Hour,
		DefaultEnabled:  true,
	},
	{
		Name:            StageTranslation,
		Ordinal:         6,
		RequiredRuntime: "translate_indic_en",
		Inputs:          []RelPath{"05_alignment/segments_aligned.json"},
		Outputs:         []RelPath{"06_translation"},
		Timeout:         2 * time.Hour,
		DefaultEnabled:  true,
		Cacheable:       true,
		CacheLayer:      "translation",
	},
	{
		Name:            StageSubtitles,
		Ordinal:         7,
		RequiredRuntime: "util",
		Inputs:          []RelPath{"06_translation"},
		Outputs:         []RelPath{"07_subtitles"},
		Timeout:         15 * time.Minute,
		DefaultEnabled:  true,
	},
	{
		Name:            StageMux,
		Ordinal:         8,
		RequiredRuntime: "util",
		Inputs:          []RelPath{"media", "07_subtitles"},
		Outputs:         []RelPath{"08_mux"},
		Timeout:         time.Hour,
		DefaultEnabled:  true,
	},
}

// workflowStages maps each workflow to the set of stage names that
// belong to its active set, preserving ordinal order. subtitle is the
// superset.
var workflowStages = map[Workflow]map[StageName]bool{
	WorkflowTranscribe: setOf(StageDemux, StageASR, StageAlignment),
	WorkflowTranslate:  setOf(StageDemux, StageASR, StageAlignment, StageTranslation),
	WorkflowSubtitle: setOf(
		StageDemux, StageSourceSeparation, StageVAD, StageASR, StageAlignment,
		StageTranslation, StageSubtitles, StageMux,
	),
}

func setOf(names ...StageName) map[StageName]bool {
	m := make(map[StageName]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// All returns the full catalog in ordinal order.
func All() []StageDescriptor {
	out := make([]StageDescriptor, len(stages))
	copy(out, stages)
	return out
}

// Get returns the descriptor for name, if it exists.
func Get(name StageName) (StageDescriptor, bool) {
	for _, s := range stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDescriptor{}, false
}

// ActiveSet returns the stage descriptors active for workflow,
// intersected with the per-stage enabled overrides in enabledOverride
// (stage name -> enabled), preserving ordinal order. A stage absent
// from enabledOverride uses its DefaultEnabled value.
func ActiveSet(wf Workflow, enabledOverride map[StageName]bool) []StageDescriptor {
	wanted := workflowStages[wf]
	var out []StageDescriptor
	for _, s := range stages {
		if !wanted[s.Name] {
			continue
		}
		enabled := s.DefaultEnabled
		if v, ok := enabledOverride[s.Name]; ok {
			enabled = v
		}
		if !enabled {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ValidWorkflow reports whether wf is one of the closed set.
func ValidWorkflow(wf Workflow) bool {
	_, ok := workflowStages[wf]
	return ok
}
