// Package params implements the layered parameter resolver (C4):
// capability-derived defaults -> global config -> job overrides,
// highest precedence last, with built-in defaults filling what no
// layer sets, producing a flat validated
// configuration snapshot per stage.
package params

import (
	"fmt"

	"github.com/jinzhu/copier"

	"github.com/coreos/stagerunner/internal/capability"
	"github.com/coreos/stagerunner/internal/orcherr"
)

// Device is the compute device a stage should target.
type Device string

// Supported devices.
const (
	DeviceCUDA  Device = "cuda"
	DeviceMetal Device = "metal"
	DeviceCPU   Device = "cpu"
)

// Precision is the numeric precision a stage's model should load at.
type Precision string

// Supported precisions.
const (
	PrecisionFP16 Precision = "fp16"
	PrecisionInt8 Precision = "int8"
)

// Resolved is the flattened, validated per-job parameter set the
// resolver produces. jinzhu/copier is used to clone this value between
// layers so each layer mutates its own copy, never the one beneath it.
type Resolved struct {
	Device         Device
	BatchSize      int
	Precision      Precision
	ASRModel       string
	ChunkedASR     bool
	ChunkDuration  int // seconds
	AudioDurationS float64
}

// capabilityDefaults is the enumerated capability -> defaults policy from
// spec §4.4. It *is* the policy: no other code path derives device
// defaults from a capability record.
func capabilityDefaults(cap capability.Record) Resolved {
	switch cap.GPUKind {
	case capability.GPUKindCUDA:
		switch {
		case cap.DeviceMemoryGB >= 20:
			return Resolved{Device: DeviceCUDA, BatchSize: 32, Precision: PrecisionFP16, ASRModel: "large"}
		case cap.DeviceMemoryGB >= 10:
			return Resolved{Device: DeviceCUDA, BatchSize: 16, Precision: PrecisionFP16, ASRModel: "large"}
		default:
			return Resolved{Device: DeviceCUDA, BatchSize: 8, Precision: PrecisionFP16, ASRModel: "large"}
		}
	case capability.GPUKindMetal:
		if cap.DeviceMemoryGB >= 16 {
			return Resolved{Device: DeviceMetal, BatchSize: 16, Precision: PrecisionFP16, ASRModel: "large"}
		}
		return Resolved{Device: DeviceMetal, BatchSize: 8, Precision: PrecisionFP16, ASRModel: "large"}
	default:
		return Resolved{Device: DeviceCPU, BatchSize: 1, Precision: PrecisionInt8, ASRModel: "medium"}
	}
}

const defaultChunkDuration = 300 // seconds

// Overrides is the set of fields a config layer (global or job) may
// set; a nil pointer means "not specified at this layer."
type Overrides struct {
	Device        *Device
	BatchSize     *int
	Precision     *Precision
	ASRModel      *string
	ChunkDuration *int
}

// Resolve applies defaults -> capability-derived -> global -> job, in
// increasing precedence, and validates the result.
func Resolve(cap capability.Record, global, job Overrides, audioDurationSeconds float64) (Resolved, error) {
	base := capabilityDefaults(cap)

	var withGlobal Resolved
	if err := copier.Copy(&withGlobal, &base); err != nil {
		return Resolved{}, orcherr.New(orcherr.ConfigInvalid, "", fmt.Errorf("copying base params: %w", err))
	}
	apply(&withGlobal, global)

	var resolved Resolved
	if err := copier.Copy(&resolved, &withGlobal); err != nil {
		return Resolved{}, orcherr.New(orcherr.ConfigInvalid, "", fmt.Errorf("copying global params: %w", err))
	}
	apply(&resolved, job)

	resolved.AudioDurationS = audioDurationSeconds
	if resolved.ChunkDuration == 0 {
		resolved.ChunkDuration = defaultChunkDuration
	}
	resolved.ChunkedASR = resolved.Device == DeviceMetal || audioDurationSeconds > 600

	if err := validate(resolved); err != nil {
		return Resolved{}, err
	}
	return resolved, nil
}

func apply(r *Resolved, o Overrides) {
	if o.Device != nil {
		r.Device = *o.Device
	}
	if o.BatchSize != nil {
		r.BatchSize = *o.BatchSize
	}
	if o.Precision != nil {
		r.Precision = *o.Precision
	}
	if o.ASRModel != nil {
		r.ASRModel = *o.ASRModel
	}
	if o.ChunkDuration != nil {
		r.ChunkDuration = *o.ChunkDuration
	}
}

func validate(r Resolved) error {
	if r.BatchSize < 1 {
		return orcherr.Newf(orcherr.ConfigInvalid, "", "batch_size must be >= 1, got %d", r.BatchSize)
	}
	switch r.Precision {
	case PrecisionFP16, PrecisionInt8:
	default:
		return orcherr.Newf(orcherr.ConfigInvalid, "", "unknown precision %q", r.Precision)
	}
	switch r.Device {
	case DeviceCUDA, DeviceMetal, DeviceCPU:
	default:
		return orcherr.Newf(orcherr.ConfigInvalid, "", "unknown device %q", r.Device)
	}
	if r.ChunkDuration < 1 {
		return orcherr.Newf(orcherr.ConfigInvalid, "", "chunk_duration must be >= 1, got %d", r.ChunkDuration)
	}
	return nil
}

// Degrade implements the executor's per-retry parameter degradation
// ladder from spec §4.8 step 7: halve batch_size, then halve
// chunk_duration, then fall back to CPU. attempt is 1-indexed (the
// first retry after the original attempt).
func Degrade(r Resolved, attempt int) Resolved {
	out := r
	switch attempt {
	case 1:
		if out.BatchSize > 1 {
			out.BatchSize /= 2
		}
	case 2:
		if out.ChunkDuration > 30 {
			out.ChunkDuration /= 2
		}
	default:
		out.Device = DeviceCPU
		out.Precision = PrecisionInt8
		out.BatchSize = 1
	}
	return out
}
