// Package config loads the layered configuration the parameter
// resolver consumes, following gangplank/spec.JobSpec's YAML-file
// conventions (JobSpecFromFile/WriteJSON/WriteYAML).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// Global is the process-wide configuration loaded once at startup from
// a YAML file plus environment variables.
type Global struct {
	WorkdirRoot       string            `yaml:"workdir_root"`
	CacheDir          string            `yaml:"cache_dir"`
	EnableCaching     bool              `yaml:"enable_caching"`
	LogLevel          string            `yaml:"log_level"`
	StageTimeouts     map[string]int    `yaml:"stage_timeouts_seconds,omitempty"`
	RuntimeRoots      map[string]string `yaml:"runtime_roots,omitempty"`
	MaxCacheSizeGB    float64           `yaml:"max_cache_size_gb"`
	CacheTTLDays      int               `yaml:"cache_ttl_days"`
	RemoteCacheMirror *RemoteCacheMirror `yaml:"remote_cache_mirror,omitempty"`
}

// RemoteCacheMirror configures the optional S3-compatible cache mirror.
type RemoteCacheMirror struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseTLS    bool   `yaml:"use_tls"`
}

// Defaults returns the built-in defaults, the lowest-precedence layer.
func Defaults() Global {
	return Global{
		WorkdirRoot:    "./out",
		CacheDir:       defaultCacheDir(),
		EnableCaching:  true,
		LogLevel:       "info",
		MaxCacheSizeGB: 50,
		CacheTTLDays:   90,
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache/mediapipe"
	}
	return home + "/.cache/mediapipe"
}

// LoadGlobal reads a YAML config file over the built-in defaults, then
// applies environment variable overrides per spec §6.
func LoadGlobal(path string, env map[string]string) (Global, error) {
	g := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return g, fmt.Errorf("opening global config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(bufio.NewReader(f)).Decode(&g); err != nil && err != io.EOF {
			return g, fmt.Errorf("parsing global config: %w", err)
		}
	}
	applyEnv(&g, env)
	return g, nil
}

func applyEnv(g *Global, env map[string]string) {
	if v, ok := env["WORKDIR_ROOT"]; ok && v != "" {
		g.WorkdirRoot = v
	}
	if v, ok := env["CACHE_DIR"]; ok && v != "" {
		g.CacheDir = v
	}
	if v, ok := env["ENABLE_CACHING"]; ok {
		g.EnableCaching = v == "1" || v == "true"
	}
	if v, ok := env["LOG_LEVEL"]; ok && v != "" {
		g.LogLevel = v
	}
}

// Snapshot is a flattened KEY=VALUE view of a resolved configuration,
// written to config/env.snapshot by the job preparer so the job
// directory is self-describing, per spec §4.5.
type Snapshot map[string]string

// WriteEnvFile writes s as sorted KEY=VALUE lines, matching the
// teacher's habit of flattening structured config into envVars for
// subprocess consumption (gangplank/ocp/cosa-pod.go).
func WriteEnvFile(w io.Writer, s Snapshot) error {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s=%s\n", k, s[k]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadEnvFile parses a KEY=VALUE file written by WriteEnvFile.
func ReadEnvFile(r io.Reader) (Snapshot, error) {
	out := make(Snapshot)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		for i := 0; i < len(line); i++ {
			if line[i] == '=' {
				out[line[:i]] = line[i+1:]
				break
			}
		}
	}
	return out, sc.Err()
}
