// Package mediaprobe reads a media file's duration via ffprobe, built
// on internal/pkg/cmdrun's Pdeathsig-protected subprocess runner.
package mediaprobe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coreos/stagerunner/internal/pkg/cmdrun"
)

// Duration runs ffprobe against path and returns its duration in
// seconds. A missing ffprobe binary or unparseable output is not
// fatal to callers: params.Resolve treats 0 as "unknown", which only
// disables the long-media chunked-ASR heuristic rather than failing
// the run, so Duration returns (0, err) and lets the caller decide
// whether to log and continue.
func Duration(ctx context.Context, path string) (float64, error) {
	out, err := cmdrun.RunCmdOutput(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	secs, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: unparseable duration %q: %w", path, out, err)
	}
	return secs, nil
}

// DurationWithTimeout bounds the ffprobe invocation so a hung or
// unreadable file cannot stall job preparation or a pipeline run.
func DurationWithTimeout(path string, timeout time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Duration(ctx, path)
}
