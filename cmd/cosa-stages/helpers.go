package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// capabilityCacheTTL bounds how long a probed capability record is
// trusted before capability.LoadOrProbe runs a fresh probe.
const capabilityCacheTTL = time.Hour

// runtimeProbeCacheTTL bounds how long a disk-cached runtime probe
// (RUNTIME_PROBE_CACHE) is trusted before Resolve re-probes.
const runtimeProbeCacheTTL = 1 * time.Hour

func capabilityCacheFile(cacheDir string) string {
	return filepath.Join(cacheDir, "capability.json")
}

// envMap flattens the relevant subset of os.Environ() into a map for
// config.LoadGlobal's env-override step.
func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		out[kv[:idx]] = kv[idx+1:]
	}
	return out
}
