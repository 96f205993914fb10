// Package runtimeregistry implements the runtime registry (C2): it
// maps a logical runtime name to a concrete descriptor (executable
// path, env vars, availability) and caches probe results for the
// lifetime of a driver run, following gangplank/ocp/worker.go's
// "resolve once, reuse for the run" pattern for pod/container specs.
package runtimeregistry

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/stagerunner/internal/catalog"
	"github.com/coreos/stagerunner/internal/orcherr"
)

// Descriptor is a concrete, resolved runtime: where its executable
// lives and what environment it needs to run correctly.
type Descriptor struct {
	Name       string
	Executable string
	Env        map[string]string
	Available  bool
}

// Registry resolves logical runtime names to descriptors, probing
// each runtime at most once per process lifetime.
type Registry struct {
	roots map[string]string // runtime name -> root dir containing its executable

	mu    sync.Mutex
	cache map[string]Descriptor

	diskCacheFile string
	diskCacheTTL  time.Duration
}

// New constructs a Registry. roots maps a runtime name (e.g.
// "asr_gpu") to the directory its executable and import-probe script
// live in, sourced from global config's RuntimeRoots.
func New(roots map[string]string) *Registry {
	return &Registry{roots: roots, cache: make(map[string]Descriptor)}
}

// diskCacheEntry is one runtime's on-disk probe record.
type diskCacheEntry struct {
	Descriptor Descriptor `json:"descriptor"`
	ProbedAt   time.Time  `json:"probed_at"`
}

// EnableDiskCache turns on a probe cache backed by path, so repeated
// `run` invocations within ttl of each other don't re-spawn every
// runtime's import-probe subprocess (SPEC_FULL §4 supplement,
// RUNTIME_PROBE_CACHE). Entries already on disk and still fresh are
// loaded into the in-memory cache immediately; a probe triggered
// afterward persists its result back to path.
func (r *Registry) EnableDiskCache(path string, ttl time.Duration) {
	r.mu.Lock()
	r.diskCacheFile = path
	r.diskCacheTTL = ttl
	r.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var entries map[string]diskCacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.WithError(err).WithField("path", path).Debug("ignoring corrupt runtime probe cache")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for name, e := range entries {
		if now.Sub(e.ProbedAt) < ttl {
			r.cache[name] = e.Descriptor
		}
	}
}

// persistDiskCache writes the full in-memory cache to r.diskCacheFile.
// Must be called with r.mu held.
func (r *Registry) persistDiskCache() {
	if r.diskCacheFile == "" {
		return
	}
	entries := make(map[string]diskCacheEntry, len(r.cache))
	now := time.Now()
	for name, d := range r.cache {
		entries[name] = diskCacheEntry{Descriptor: d, ProbedAt: now}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.diskCacheFile), 0o755); err != nil {
		return
	}
	tmp := r.diskCacheFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.diskCacheFile)
}

func (r *Registry) runtimeDir(name string) string {
	if d, ok := r.roots[name]; ok {
		return d
	}
	return filepath.Join("/opt/stagerunner/runtimes", name)
}

// Resolve returns the descriptor for name, probing it if this is the
// first resolution this process has seen for name.
func (r *Registry) Resolve(ctx context.Context, name string) (Descriptor, error) {
	r.mu.Lock()
	if d, ok := r.cache[name]; ok {
		r.mu.Unlock()
		if !d.Available {
			return d, orcherr.Newf(orcherr.RuntimeUnavailable, "", "runtime %q is unavailable", name)
		}
		return d, nil
	}
	r.mu.Unlock()

	d := r.probe(ctx, name)

	r.mu.Lock()
	r.cache[name] = d
	r.persistDiskCache()
	r.mu.Unlock()

	if !d.Available {
		return d, orcherr.Newf(orcherr.RuntimeUnavailable, "", "runtime %q is unavailable", name)
	}
	return d, nil
}

// probe checks for the runtime's executable and, if present, invokes
// its import-probe subprocess, which must exit 0 to count as
// available. A runtime that exists on disk but fails its probe (e.g.
// a broken Python environment) is treated as unavailable, not a fatal
// registry error.
func (r *Registry) probe(ctx context.Context, name string) Descriptor {
	dir := r.runtimeDir(name)
	exe := filepath.Join(dir, "run.sh")

	l := log.WithFields(log.Fields{"runtime": name, "path": exe})

	if _, err := os.Stat(exe); err != nil {
		l.Debug("runtime executable not found")
		return Descriptor{Name: name, Executable: exe, Available: false}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	probeScript := filepath.Join(dir, "probe.sh")
	if _, err := os.Stat(probeScript); err == nil {
		cmd := exec.CommandContext(probeCtx, probeScript)
		if err := cmd.Run(); err != nil {
			l.WithError(err).Debug("runtime import probe failed")
			return Descriptor{Name: name, Executable: exe, Available: false}
		}
	}

	env := map[string]string{
		"STAGERUNNER_RUNTIME_NAME": name,
		"STAGERUNNER_RUNTIME_ROOT": dir,
	}
	l.Debug("runtime available")
	return Descriptor{Name: name, Executable: exe, Env: env, Available: true}
}

// Report is the result of validating a workflow's required runtimes.
type Report struct {
	OK      bool
	Missing []string
}

// ValidateForWorkflow resolves the required_runtime of every active
// stage in wf and reports which, if any, are missing. Optional stages
// whose runtime is missing do not count against OK.
func (r *Registry) ValidateForWorkflow(ctx context.Context, wf catalog.Workflow, enabledOverride map[catalog.StageName]bool) Report {
	active := catalog.ActiveSet(wf, enabledOverride)
	seen := make(map[string]bool)
	var missing []string

	for _, stage := range active {
		if seen[stage.RequiredRuntime] {
			continue
		}
		seen[stage.RequiredRuntime] = true

		if _, err := r.Resolve(ctx, stage.RequiredRuntime); err != nil {
			if stage.Optional {
				continue
			}
			missing = append(missing, stage.RequiredRuntime)
		}
	}
	return Report{OK: len(missing) == 0, Missing: missing}
}
