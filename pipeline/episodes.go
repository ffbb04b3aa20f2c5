package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/clipcast/ingest-api/video"
)

// The rendition episodes are encoded at. One quality level is enough for the
// episode catalog; viewers who want the full ladder have the parent asset.
const episodeRenditionName = "720p"

// EpisodeRunner is the optional post-pass: transcribe the upload, ask the LLM
// for episode boundaries, cut and publish each episode as its own HLS asset.
type EpisodeRunner struct {
	cli           config.Cli
	transcription clients.TranscriptionClient
	llm           clients.LLMClient
	segmenter     video.RenditionSegmenter
	thumbnailer   video.Thumbnailer
	blob          clients.BlobStore
	catalog       CatalogAPI
}

func NewEpisodeRunner(cli config.Cli, transcription clients.TranscriptionClient, llm clients.LLMClient, blob clients.BlobStore, catalog CatalogAPI) *EpisodeRunner {
	return &EpisodeRunner{
		cli:           cli,
		transcription: transcription,
		llm:           llm,
		segmenter:     video.FFmpegSegmenter{},
		thumbnailer:   video.FFmpegThumbnailer{},
		blob:          blob,
		catalog:       catalog,
	}
}

// Run executes the whole episode pass for one upload. It is only ever called
// after the primary pipeline succeeded, while the source file still exists.
// A failed episode is logged and skipped; it never affects its siblings or
// the parent upload.
func (r *EpisodeRunner) Run(ctx context.Context, u *Upload) error {
	if _, err := os.Stat(u.SourcePath); err != nil {
		return fmt.Errorf("source file gone before episode pass: %w", err)
	}

	mapping, err := r.catalog.GetStreamKeyMapping(ctx, u.StreamKey)
	if err != nil {
		return fmt.Errorf("cannot resolve streamer for episode pass: %w", err)
	}
	channelName := mapping.ChannelName
	if channelName == "" {
		channelName = u.ChannelName
	}

	segments, err := r.transcription.Transcribe(ctx, u.UploadID, u.SourcePath)
	if err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	if len(segments) == 0 {
		log.Log(u.UploadID, "transcript empty, skipping episode pass")
		return nil
	}

	boundaries, err := r.llm.SegmentTranscript(ctx, u.UploadID, segments)
	if err != nil {
		return fmt.Errorf("episode segmentation failed: %w", err)
	}

	published := 0
	for i, boundary := range boundaries {
		episodeNumber := i + 1
		if err := r.publishEpisode(ctx, u, channelName, episodeNumber, boundary); err != nil {
			log.LogError(u.UploadID, "episode failed, skipping", err, "episode", episodeNumber)
			continue
		}
		published++
		metrics.Metrics.EpisodesGeneratedCount.Inc()
	}
	log.LogCtx(ctx, "episode pass finished", "published", published, "total", len(boundaries))
	return nil
}

func (r *EpisodeRunner) publishEpisode(ctx context.Context, u *Upload, channelName string, episodeNumber int, b clients.EpisodeBoundary) error {
	if b.EndTime <= b.StartTime {
		return fmt.Errorf("episode %d has non-positive duration [%f, %f]", episodeNumber, b.StartTime, b.EndTime)
	}

	workDir, err := os.MkdirTemp(filepath.Dir(u.SourcePath), fmt.Sprintf("%s_ep%d_*", u.Prefix, episodeNumber))
	if err != nil {
		return fmt.Errorf("error creating episode scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	prefix := fmt.Sprintf("%s_ep%d", u.Prefix, episodeNumber)
	spec, err := video.FindRendition(episodeRenditionName)
	if err != nil {
		return err
	}

	err = r.segmenter.Segment(ctx, u.UploadID, video.SegmentParams{
		SourcePath:  u.SourcePath,
		OutputDir:   workDir,
		Prefix:      prefix,
		Renditions:  []video.RenditionSpec{spec},
		Portrait:    u.Source.IsPortrait(),
		Rotation:    u.Source.Rotation,
		HasAudio:    u.Source.HasAudio,
		SegmentSecs: r.cli.SegmentDurationSecs,
		ClipStart:   b.StartTime,
		ClipEnd:     b.EndTime,
	})
	if err != nil {
		return fmt.Errorf("error cutting episode %d: %w", episodeNumber, err)
	}

	// thumbnail from a safe offset just inside the episode
	thumbPath := filepath.Join(workDir, config.ThumbnailName(prefix))
	thumbOffset := b.StartTime + video.ThumbnailOffsetSecs(b.EndTime-b.StartTime)
	thumbnailURL := ""
	if err := r.thumbnailer.GenerateThumbnail(u.UploadID, u.SourcePath, thumbPath, u.Source, thumbOffset); err != nil {
		log.LogError(u.UploadID, "episode thumbnail failed, using default", err, "episode", episodeNumber)
	}

	keyPrefix := func(basename string) string {
		return config.EpisodeObjectKey(u.StreamKey, u.UploadID, episodeNumber, basename)
	}

	files, err := clients.MatchFiles(workDir, []string{
		config.SegmentFileGlob(prefix, spec.Name),
		config.VariantPlaylistName(prefix, spec.Name),
	})
	if err != nil {
		return err
	}
	for _, file := range files {
		basename := filepath.Base(file)
		if _, err := r.blob.UploadFileVerified(ctx, u.UploadID, file, keyPrefix(basename), clients.ContentTypeFor(basename)); err != nil {
			return fmt.Errorf("error uploading episode file %s: %w", basename, err)
		}
	}
	if _, err := os.Stat(thumbPath); err == nil {
		url, err := r.blob.UploadFileVerified(ctx, u.UploadID, thumbPath, keyPrefix(config.ThumbnailName(prefix)), clients.ContentTypeFor(thumbPath))
		if err != nil {
			log.LogError(u.UploadID, "episode thumbnail upload failed, using default", err, "episode", episodeNumber)
		} else {
			thumbnailURL = url
		}
	}
	if thumbnailURL == "" {
		thumbnailURL = r.cli.DefaultThumbnailURL
	}

	entry := clients.EpisodeEntry{
		StreamKey:     u.StreamKey,
		EpisodeNumber: episodeNumber,
		Title:         b.Title,
		Description:   b.Description,
		HLSURL:        r.blob.PublicURL(keyPrefix(config.VariantPlaylistName(prefix, spec.Name))),
		ThumbnailURL:  thumbnailURL,
		StartTime:     b.StartTime,
		EndTime:       b.EndTime,
		Duration:      b.EndTime - b.StartTime,
		ChannelName:   channelName,
	}
	if err := r.catalog.PutEpisode(ctx, entry); err != nil {
		return err
	}
	log.Log(u.UploadID, "episode published", "episode", episodeNumber, "title", b.Title, "duration", entry.Duration)
	return nil
}
