package video

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clipcast/ingest-api/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Thumbnail target boxes. The frame is scaled to cover the box and then
// center-cropped, never letterboxed.
const (
	ThumbLandscapeWidth  = 640
	ThumbLandscapeHeight = 360
	ThumbPortraitWidth   = 360
	ThumbPortraitHeight  = 640
)

const (
	stableSizePollInterval = 100 * time.Millisecond
	stableSizeWindow       = 200 * time.Millisecond
	stableSizeMaxWait      = 2 * time.Second
)

type Thumbnailer interface {
	GenerateThumbnail(uploadID, sourcePath, outPath string, src SourceInfo, offsetSecs float64) error
}

type FFmpegThumbnailer struct{}

// GenerateThumbnail extracts a single frame at the given offset, corrects
// rotation the same way the segmenter does and writes a JPEG cropped to the
// orientation's target box.
func (FFmpegThumbnailer) GenerateThumbnail(uploadID, sourcePath, outPath string, src SourceInfo, offsetSecs float64) error {
	if err := WaitForStableSize(sourcePath); err != nil {
		return fmt.Errorf("source file never stabilised (%s): %w", sourcePath, err)
	}

	offset := offsetSecs
	log.Log(uploadID, "extracting thumbnail", "offset", offset, "portrait", src.IsPortrait())

	inputArgs := ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", offset)}
	if applyRotation(src.IsPortrait(), src.Rotation) {
		inputArgs["noautorotate"] = ""
	}

	var ffmpegErr bytes.Buffer
	err := backoff.Retry(func() error {
		ffmpegErr = bytes.Buffer{}
		return ffmpeg.
			Input(sourcePath, inputArgs).
			Output(
				outPath,
				ffmpeg.KwArgs{
					"vframes": "1",
					"vf":      ThumbnailFilterChain(src),
					"q:v":     "2",
				},
			).OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2))
	if err != nil {
		return fmt.Errorf("error running ffmpeg for thumbnail %s [%s]: %w", sourcePath, ffmpegErr.String(), err)
	}
	return nil
}

// ThumbnailOffsetSecs is one second into the video, or the very first frame
// for clips shorter than that.
func ThumbnailOffsetSecs(duration float64) float64 {
	if duration < 1 {
		return 0
	}
	return 1
}

// ThumbnailFilterChain scales the frame to cover the orientation's box and
// center-crops to it.
func ThumbnailFilterChain(src SourceInfo) string {
	w, h := ThumbLandscapeWidth, ThumbLandscapeHeight
	if src.IsPortrait() {
		w, h = ThumbPortraitWidth, ThumbPortraitHeight
	}
	parts := rotationFilters(src.IsPortrait(), src.Rotation)
	parts = append(parts,
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", w, h),
		fmt.Sprintf("crop=%d:%d", w, h),
	)
	return strings.Join(parts, ",")
}

// WaitForStableSize blocks until the file's size has stopped changing,
// defeating races where the multipart writer has not flushed the final bytes
// yet. Capped so a genuinely still-growing file doesn't stall the pipeline.
func WaitForStableSize(path string) error {
	return waitForStableSize(path, stableSizePollInterval, stableSizeWindow, stableSizeMaxWait)
}

func waitForStableSize(path string, poll, window, max time.Duration) error {
	deadline := time.Now().Add(max)
	lastSize := int64(-1)
	stableSince := time.Now()
	for {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.Size() != lastSize {
			lastSize = fi.Size()
			stableSince = time.Now()
		} else if time.Since(stableSince) >= window {
			return nil
		}
		if time.Now().After(deadline) {
			// proceed with what we have rather than failing the upload
			return nil
		}
		time.Sleep(poll)
	}
}
