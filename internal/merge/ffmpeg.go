package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/yesterday17/veld/internal/cache"
)

// externalConcat muxes one stream's segments into a single clean container
// via the external tool, using cache.SegmentPath hints where the backend
// supports them (file cache) and falling back to a temp-file relay
// otherwise (memory/object-store caches).
func externalConcat(ctx context.Context, cfg Config, records []segmentRecord, outputPath string) error {
	records = trimTrailingFailures(records)
	if len(records) == 0 {
		return nil
	}

	paths, cleanup, err := materializePaths(ctx, cfg.Cache, records)
	if err != nil {
		return err
	}
	defer cleanup()

	if path, err := lookupTool(cfg.FFmpegPath, "ffmpeg"); err == nil {
		return ffmpegConcat(ctx, path, paths, outputPath, cfg.Log != nil)
	}
	if path, err := lookupTool(cfg.MkvmergePath, "mkvmerge"); err == nil {
		return mkvmergeConcat(ctx, path, paths, outputPath)
	}
	return fmt.Errorf("neither ffmpeg nor mkvmerge found on PATH")
}

// externalMerge combines already-muxed per-stream files into one output
// container.
func externalMerge(ctx context.Context, cfg Config, trackPaths []string, outputPath string) error {
	if len(trackPaths) == 1 {
		return os.Rename(trackPaths[0], outputPath)
	}

	if path, err := lookupTool(cfg.FFmpegPath, "ffmpeg"); err == nil {
		return ffmpegMerge(ctx, path, trackPaths, outputPath)
	}
	if path, err := lookupTool(cfg.MkvmergePath, "mkvmerge"); err == nil {
		args := append([]string{}, trackPaths...)
		args = append(args, "-o", outputPath)
		cmd := exec.CommandContext(ctx, path, args...)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("mkvmerge: %w: %s", err, stderr.String())
		}
		return nil
	}
	return fmt.Errorf("neither ffmpeg nor mkvmerge found on PATH")
}

func lookupTool(configured, name string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return exec.LookPath(name)
}

// ffmpegConcat uses -f concat over a generated file list so mixed-format
// concat-unsafe segments (e.g. CMAF fragments) are remuxed cleanly.
func ffmpegConcat(ctx context.Context, ffmpegPath string, segmentPaths []string, outputPath string, verbose bool) error {
	listFile, err := os.CreateTemp("", "veld-concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(listFile.Name())
	for _, p := range segmentPaths {
		fmt.Fprintf(listFile, "file '%s'\n", p)
	}
	listFile.Close()

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0", "-i", listFile.Name(), "-c", "copy", outputPath}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, stderr.String())
	}
	return nil
}

// ffmpegMerge maps all streams from every input file into one output so a
// separately-muxed video track and audio track land in a single container.
func ffmpegMerge(ctx context.Context, ffmpegPath string, inputFiles []string, outputPath string) error {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, f := range inputFiles {
		args = append(args, "-i", f)
	}
	args = append(args, "-c", "copy")
	for i := range inputFiles {
		args = append(args, "-map", fmt.Sprintf("%d", i))
	}
	if strings.HasSuffix(strings.ToLower(outputPath), ".mp4") {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg merge: %w: %s", err, stderr.String())
	}
	return nil
}

func mkvmergeConcat(ctx context.Context, mkvmergePath string, segmentPaths []string, outputPath string) error {
	args := []string{"-q", "["}
	args = append(args, segmentPaths...)
	args = append(args, "]", "-o", outputPath)
	cmd := exec.CommandContext(ctx, mkvmergePath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mkvmerge concat: %w: %s", err, stderr.String())
	}
	return nil
}

// materializePaths resolves a physical path per record, relaying through a
// temp file when the cache backend has no path concept.
func materializePaths(ctx context.Context, c cache.Cache, records []segmentRecord) ([]string, func(), error) {
	var paths []string
	var temps []string
	cleanup := func() {
		for _, p := range temps {
			os.Remove(p)
		}
	}

	for _, r := range records {
		if path, ok := c.SegmentPath(keyOf(r.desc)); ok {
			paths = append(paths, path)
			continue
		}

		tmp, err := os.CreateTemp("", "veld-seg-*.bin")
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		reader, err := c.OpenReader(ctx, keyOf(r.desc))
		if err != nil {
			tmp.Close()
			cleanup()
			return nil, nil, err
		}
		_, err = io.Copy(tmp, reader)
		reader.Close()
		tmp.Close()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		temps = append(temps, tmp.Name())
		paths = append(paths, tmp.Name())
	}

	return paths, cleanup, nil
}
