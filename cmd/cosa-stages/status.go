package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coreos/stagerunner/internal/cachestore"
	"github.com/coreos/stagerunner/internal/config"
	"github.com/coreos/stagerunner/internal/manifest"
)

var (
	statusJSON         bool
	statusCacheStats   bool
	statusRebuildCache bool
	statusWarmMirror   string
)

var cmdStatus = &cobra.Command{
	Use:   "status [job dir]",
	Short: "print a job's manifest status",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func init() {
	cmdStatus.Flags().BoolVar(&statusJSON, "json", false, "print the manifest as JSON instead of a table")
	cmdStatus.Flags().BoolVar(&statusCacheStats, "cache-stats", false, "print cache manager statistics instead of job status")
	cmdStatus.Flags().BoolVar(&statusRebuildCache, "rebuild-cache", false, "rebuild the cache index from disk before reporting stats")
	cmdStatus.Flags().StringVar(&statusWarmMirror, "warm-mirror", "", "fetch layer:key from the remote cache mirror into the local cache before reporting stats")
}

func runStatus(cmd *cobra.Command, args []string) {
	jobDir := args[0]

	if statusCacheStats {
		printCacheStats(jobDir)
		return
	}

	m, err := manifest.Load(jobDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(0)
	}

	if statusJSON {
		data, _ := json.MarshalIndent(m, "", "  ")
		fmt.Println(string(data))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "STAGE\tSTATUS\tATTEMPTS\tDURATION\tCACHE_HIT\tLAST_ERROR\n")
	for _, name := range m.OrderedNames() {
		e := m.Stages[name]
		duration := "-"
		if e.DurationSeconds != nil {
			duration = fmt.Sprintf("%.1fs", *e.DurationSeconds)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\t%s\n", name, e.Status, e.Attempts, duration, e.CacheHit, e.LastError)
	}
	w.Flush()
}

func printCacheStats(jobDir string) {
	global, err := config.LoadGlobal(globalConfigPath, envMap())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(0)
	}

	var mirror *cachestore.Mirror
	if global.RemoteCacheMirror != nil {
		m, err := cachestore.NewMirror(
			global.RemoteCacheMirror.Endpoint,
			global.RemoteCacheMirror.AccessKey,
			global.RemoteCacheMirror.SecretKey,
			global.RemoteCacheMirror.Bucket,
			global.RemoteCacheMirror.UseTLS,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: remote cache mirror disabled: %v\n", err)
		} else {
			mirror = m
		}
	}

	cache, err := cachestore.New(global.CacheDir, global.MaxCacheSizeGB, mirror)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(0)
	}
	if statusRebuildCache {
		if err := cache.Rebuild(); err != nil {
			fmt.Fprintf(os.Stderr, "status: rebuilding cache index: %v\n", err)
			os.Exit(0)
		}
	}
	if statusWarmMirror != "" {
		layer, key, ok := strings.Cut(statusWarmMirror, ":")
		if !ok {
			fmt.Fprintf(os.Stderr, "status: --warm-mirror wants layer:key, got %q\n", statusWarmMirror)
			os.Exit(0)
		}
		if err := cache.WarmFromMirror(cachestore.Layer(layer), key, 90); err != nil {
			fmt.Fprintf(os.Stderr, "status: warming cache from mirror: %v\n", err)
			os.Exit(0)
		}
	}

	stats := cache.Stats()
	if statusJSON {
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("hits=%d misses=%d evictions=%d\n", stats.Hits, stats.Misses, stats.EvictionCount)
	for layer, size := range stats.SizeByLayer {
		fmt.Printf("  %s: %d bytes\n", layer, size)
	}
}
