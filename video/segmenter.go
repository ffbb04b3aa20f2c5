package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/clipcast/ingest-api/subprocess"
	"github.com/shirou/gopsutil/v3/cpu"
)

const DefaultSegmentSecs = 6

type SegmentParams struct {
	SourcePath  string
	OutputDir   string
	Prefix      string
	Renditions  []RenditionSpec
	Portrait    bool
	Rotation    int64
	HasAudio    bool
	SegmentSecs int

	// ClipStart/ClipEnd cut a time range out of the source before encoding,
	// used by the episode pass. Zero values mean the whole file.
	ClipStart float64
	ClipEnd   float64
}

type RenditionSegmenter interface {
	Segment(ctx context.Context, uploadID string, params SegmentParams) error
}

// FFmpegSegmenter produces all requested renditions in a single ffmpeg
// invocation, one HLS output per rendition.
type FFmpegSegmenter struct{}

func (FFmpegSegmenter) Segment(ctx context.Context, uploadID string, p SegmentParams) error {
	fi, err := os.Stat(p.SourcePath)
	if err != nil {
		return fmt.Errorf("source file missing (%s): %w", p.SourcePath, err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("source file empty (%s)", p.SourcePath)
	}
	if len(p.Renditions) == 0 {
		return fmt.Errorf("no renditions requested for %s", p.SourcePath)
	}

	args := BuildSegmentArgs(p, TranscodeThreads())
	log.Log(uploadID, "starting ffmpeg segmenting", "renditions", renditionNames(p.Renditions), "portrait", p.Portrait, "rotation", p.Rotation)

	ctx, cancel := context.WithTimeout(ctx, config.TranscodeTimeoutMinutes*time.Minute)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if err := subprocess.LogOutputs(cmd); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	err = cmd.Wait()
	metrics.Metrics.TranscodeDurationSec.
		WithLabelValues(renditionNames(p.Renditions)).
		Observe(time.Since(start).Seconds())
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("ffmpeg timed out segmenting %s after %dm", p.SourcePath, config.TranscodeTimeoutMinutes)
	}
	if err != nil {
		return fmt.Errorf("failed to segment source file (%s): %w", p.SourcePath, err)
	}
	return nil
}

// BuildSegmentArgs composes the full ffmpeg argument list for one invocation.
// Exposed so the argument layout can be tested without running ffmpeg.
func BuildSegmentArgs(p SegmentParams, threads int) []string {
	segmentSecs := p.SegmentSecs
	if segmentSecs == 0 {
		segmentSecs = DefaultSegmentSecs
	}

	args := []string{"-y"}
	// rotation is corrected by our own filter chain for portrait sources, so
	// ffmpeg's automatic rotation must not run on top of it
	if applyRotation(p.Portrait, p.Rotation) {
		args = append(args, "-noautorotate")
	}
	if p.ClipEnd > p.ClipStart {
		args = append(args,
			"-ss", strconv.FormatFloat(p.ClipStart, 'f', 3, 64),
			"-to", strconv.FormatFloat(p.ClipEnd, 'f', 3, 64),
		)
	}
	args = append(args, "-i", p.SourcePath)

	for _, spec := range p.Renditions {
		args = append(args,
			"-vf", RenditionFilterChain(spec, p.Portrait, p.Rotation),
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", strconv.Itoa(spec.CRF),
			"-threads", strconv.Itoa(threads),
		)
		if p.HasAudio {
			args = append(args, "-c:a", "aac", "-b:a", spec.AudioBitrate)
		} else {
			args = append(args, "-an")
		}
		if p.Rotation != 0 {
			args = append(args, "-metadata:s:v", "rotate=0")
		}
		args = append(args,
			"-hls_time", strconv.Itoa(segmentSecs),
			"-hls_playlist_type", "vod",
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.Join(p.OutputDir, config.SegmentFilePattern(p.Prefix, spec.Name)),
			"-f", "hls",
			filepath.Join(p.OutputDir, config.VariantPlaylistName(p.Prefix, spec.Name)),
		)
	}
	return args
}

// RenditionFilterChain builds the -vf value for one rendition: optional
// rotation correction, then scale-and-center-crop to the exact target box.
func RenditionFilterChain(spec RenditionSpec, portrait bool, rotation int64) string {
	w, h := spec.TargetDims(portrait)
	parts := rotationFilters(portrait, rotation)
	parts = append(parts,
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", w, h),
		fmt.Sprintf("crop=%d:%d", w, h),
	)
	return strings.Join(parts, ",")
}

// rotationFilters translates container rotation metadata into transpose
// filters. Only portrait sources are corrected; a source whose displayed
// orientation is landscape is left to ffmpeg's own autorotation.
func rotationFilters(portrait bool, rotation int64) []string {
	if !applyRotation(portrait, rotation) {
		return nil
	}
	switch normalizeRotation(rotation) {
	case 90:
		return []string{"transpose=2"}
	case 180:
		return []string{"hflip", "vflip"}
	case 270:
		return []string{"transpose=1"}
	}
	return nil
}

func applyRotation(portrait bool, rotation int64) bool {
	return portrait && normalizeRotation(rotation) != 0
}

func normalizeRotation(rotation int64) int64 {
	r := rotation % 360
	if r < 0 {
		r += 360
	}
	return r
}

func renditionNames(specs []RenditionSpec) string {
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	return strings.Join(names, ",")
}

// TranscodeThreads hands ffmpeg roughly 95% of the host's logical CPUs.
func TranscodeThreads() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	threads := int(float64(n) * config.TranscodeCPUFraction)
	if threads < 1 {
		threads = 1
	}
	return threads
}
