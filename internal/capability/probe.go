// Package capability probes the host once per run and caches the
// result to disk with a TTL, following the load-or-create pattern
// gangplank/ocp/filer.go uses for its ephemeral minio configuration.
package capability

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

// GPUKind is the detected accelerator family.
type GPUKind string

// Supported GPU kinds.
const (
	GPUKindCUDA  GPUKind = "cuda"
	GPUKindMetal GPUKind = "metal"
	GPUKindCPU   GPUKind = "cpu"
)

// Record is the probed hardware capability of the host.
type Record struct {
	GPUKind         GPUKind   `json:"gpu_kind"`
	DeviceMemoryGB  float64   `json:"device_memory_gb"`
	CPUCores        int       `json:"cpu_cores"`
	AvailableRAMGB  float64   `json:"available_ram_gb"`
	OS              string    `json:"os"`
	Arch            string    `json:"arch"`
	ProbedAt        time.Time `json:"probed_at"`
}

// Override lets config force a capability value; a zero-value field is
// left to the probed value.
type Override struct {
	GPUKind        GPUKind
	DeviceMemoryGB float64
}

// nvidiaSMI and the Metal probe path are deliberately small shell
// probes: there is no ecosystem GPU-detection library in the pack, so
// this mirrors how gangplank/ocp probes for external tool presence
// (exec.LookPath plus a best-effort invocation).
var lookPath = exec.LookPath

func probeGPU() (GPUKind, float64) {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		// Apple Silicon shares RAM with the GPU; report host RAM.
		if vm, err := mem.VirtualMemory(); err == nil {
			return GPUKindMetal, float64(vm.Total) / (1 << 30)
		}
		return GPUKindMetal, 0
	}

	if _, err := lookPath("nvidia-smi"); err == nil {
		if memGB, ok := queryNvidiaMemory(); ok {
			return GPUKindCUDA, memGB
		}
		return GPUKindCUDA, 0
	}

	return GPUKindCPU, 0
}

func queryNvidiaMemory() (float64, bool) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, false
	}
	var mib float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &mib); err != nil {
		return 0, false
	}
	return mib / 1024, true
}

// Probe inspects the host and returns a fresh capability record. GPU
// detection failure never fails the probe outright: it falls back to
// gpu_kind=cpu per spec §4.1.
func Probe() Record {
	cores, err := cpu.Counts(true)
	if err != nil || cores == 0 {
		cores = runtime.NumCPU()
	}

	availGB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		availGB = float64(vm.Available) / (1 << 30)
	}

	osName := runtime.GOOS
	if info, err := host.Info(); err == nil && info.Platform != "" {
		osName = info.Platform
	}

	gk, devMem := probeGPU()
	if gk == GPUKindCPU {
		devMem = 0
	}

	return Record{
		GPUKind:        gk,
		DeviceMemoryGB: devMem,
		CPUCores:       cores,
		AvailableRAMGB: availGB,
		OS:             osName,
		Arch:           runtime.GOARCH,
		ProbedAt:       time.Now().UTC(),
	}
}

// LoadOrProbe reads cacheFile; if it is missing or older than ttl it
// re-probes and atomically writes the result back. An Override, when
// non-zero, takes precedence over the probed/cached value per spec
// §4.1's "user override takes precedence" edge case.
func LoadOrProbe(cacheFile string, ttl time.Duration, override Override) (Record, error) {
	if rec, ok := readCache(cacheFile); ok && time.Since(rec.ProbedAt) < ttl {
		return applyOverride(rec, override), nil
	}

	rec := Probe()
	if err := writeCacheAtomic(cacheFile, rec); err != nil {
		log.WithError(err).Warn("failed to persist capability cache")
	}
	return applyOverride(rec, override), nil
}

func applyOverride(rec Record, o Override) Record {
	if o.GPUKind != "" {
		rec.GPUKind = o.GPUKind
	}
	if o.DeviceMemoryGB != 0 {
		rec.DeviceMemoryGB = o.DeviceMemoryGB
	}
	if rec.GPUKind == GPUKindCPU {
		rec.DeviceMemoryGB = 0
	}
	return rec
}

func readCache(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func writeCacheAtomic(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
