package config

import (
	"fmt"
	"math/rand"
	"path"
	"time"
)

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}

// NewUploadID generates a server-side upload id for requests that did not
// supply one. Shape: upload-<unix ms>-<9 random chars>.
func NewUploadID() string {
	return fmt.Sprintf("upload-%d-%s", time.Now().UnixMilli(), RandomTrailer(9))
}

// UploadPrefix is the shared filename prefix for everything an upload
// produces, locally and in the blob store.
func UploadPrefix(streamKey, uploadID string) string {
	return fmt.Sprintf("%s_%s", streamKey, uploadID)
}

// ObjectKey is the one place object keys are composed. Every blob an upload
// produces lives under clips/<streamKey>/<uploadId>/.
func ObjectKey(streamKey, uploadID, basename string) string {
	return path.Join("clips", streamKey, uploadID, basename)
}

// EpisodeObjectKey places episode assets under their own subdirectory of the
// parent upload.
func EpisodeObjectKey(streamKey, uploadID string, episode int, basename string) string {
	return path.Join("clips", streamKey, uploadID, "episodes", fmt.Sprintf("episode_%d", episode), basename)
}

func MasterPlaylistName(prefix string) string {
	return prefix + "_master.m3u8"
}

func VariantPlaylistName(prefix, rendition string) string {
	return fmt.Sprintf("%s_%s.m3u8", prefix, rendition)
}

// SegmentFilePattern is handed to ffmpeg's -hls_segment_filename; %03d is
// expanded by ffmpeg to the segment index.
func SegmentFilePattern(prefix, rendition string) string {
	return fmt.Sprintf("%s_%s_%%03d.ts", prefix, rendition)
}

// SegmentFileGlob matches the segment files SegmentFilePattern makes ffmpeg
// produce.
func SegmentFileGlob(prefix, rendition string) string {
	return fmt.Sprintf("%s_%s_*.ts", prefix, rendition)
}

func ThumbnailName(prefix string) string {
	return prefix + "_thumb.jpg"
}
