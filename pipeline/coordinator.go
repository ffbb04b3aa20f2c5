package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clipcast/ingest-api/admission"
	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/errors"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/clipcast/ingest-api/video"
)

// CatalogAPI is the slice of the catalog store the pipeline uses.
type CatalogAPI interface {
	RegisterAsset(ctx context.Context, p clients.RegisterAssetParams) (clients.CatalogEntry, error)
	PutUploadMetadata(ctx context.Context, md clients.UploadMetadata) error
	GetStreamKeyMapping(ctx context.Context, streamKey string) (clients.StreamKeyMapping, error)
	PutEpisode(ctx context.Context, e clients.EpisodeEntry) error
}

// Coordinator runs the two-phase flow per upload: everything up to the
// primary rendition and catalog registration happens before the HTTP response
// is released, the remaining renditions and the master rewrite happen in
// background.
type Coordinator struct {
	cli         config.Cli
	prober      video.Prober
	segmenter   video.RenditionSegmenter
	thumbnailer video.Thumbnailer
	blob        clients.BlobStore
	catalog     CatalogAPI
	queue       clients.QueuePublisher
	admission   *admission.Controller
	episodes    *EpisodeRunner
	stats       *StatsSink

	// lets tests wait for the background phase
	background sync.WaitGroup
}

func NewCoordinator(cli config.Cli, blob clients.BlobStore, catalog CatalogAPI, queue clients.QueuePublisher, adm *admission.Controller, episodes *EpisodeRunner, stats *StatsSink) *Coordinator {
	return &Coordinator{
		cli:         cli,
		prober:      video.Probe{},
		segmenter:   video.FFmpegSegmenter{},
		thumbnailer: video.FFmpegThumbnailer{},
		blob:        blob,
		catalog:     catalog,
		queue:       queue,
		admission:   adm,
		episodes:    episodes,
		stats:       stats,
	}
}

// NewStubCoordinator wires a coordinator from parts, for tests.
func NewStubCoordinator(cli config.Cli, prober video.Prober, segmenter video.RenditionSegmenter, thumbnailer video.Thumbnailer, blob clients.BlobStore, catalog CatalogAPI, queue clients.QueuePublisher, adm *admission.Controller) *Coordinator {
	return &Coordinator{
		cli:         cli,
		prober:      prober,
		segmenter:   segmenter,
		thumbnailer: thumbnailer,
		blob:        blob,
		catalog:     catalog,
		queue:       queue,
		admission:   adm,
	}
}

// ProcessUpload takes an upload whose source file is already on disk and
// carries it to the externally-playable state: probed, thumbnailed, primary
// rendition segmented and uploaded, catalog entry written. It returns at
// pipeline step 6; the remaining renditions continue in background. A denied
// admission returns Result{Queued: true} and the upload resumes when a slot
// frees.
func (c *Coordinator) ProcessUpload(ctx context.Context, u *Upload) (Result, error) {
	u.Prefix = config.UploadPrefix(u.StreamKey, u.UploadID)
	u.CreatedAt = config.Clock.Now()
	log.AddContext(u.UploadID, "stream_key", u.StreamKey, "source", u.SourcePath)

	// metadata goes in before any transcode work so out-of-band consumers of
	// blob events can read it; a failed write must not fail the upload
	if err := c.catalog.PutUploadMetadata(ctx, clients.UploadMetadata{
		UploadID:    u.UploadID,
		Title:       u.Title,
		Description: u.Description,
		Price:       u.Price,
	}); err != nil {
		log.LogError(u.UploadID, "error writing upload metadata, continuing", err)
	}

	src, err := c.prober.ProbeFile(u.UploadID, u.SourcePath)
	if err != nil {
		log.LogError(u.UploadID, "probe failed, continuing with defaults", err)
		src = video.DefaultSourceInfo()
	}
	u.Source = src
	log.AddContext(u.UploadID, "width", src.Width, "height", src.Height, "rotation", src.Rotation, "duration", src.Duration)

	// early thumbnail: it runs concurrently with admission and the primary
	// transcode so its URL is usually ready by registration time
	u.thumbCh = make(chan string, 1)
	go c.earlyThumbnail(u)

	if !c.admission.TryAcquire() {
		c.admission.Enqueue(u.UploadID,
			func() {
				if _, err := c.runAdmitted(context.Background(), u); err != nil {
					log.LogError(u.UploadID, "queued upload failed", err)
				}
			},
			func() {
				// a dropped upload never reaches the pipeline, so its scratch
				// files are removed here
				c.cleanUp(u)
			})
		return Result{Queued: true}, nil
	}
	return c.runAdmitted(ctx, u)
}

// earlyThumbnail extracts and uploads the thumbnail, delivering its verified
// URL (or "" on failure) on the upload's channel.
func (c *Coordinator) earlyThumbnail(u *Upload) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Log(u.UploadID, "panic in thumbnail goroutine", "err", rec)
			u.thumbCh <- ""
		}
	}()

	localPath := filepath.Join(c.workDir(u), config.ThumbnailName(u.Prefix))
	offset := video.ThumbnailOffsetSecs(u.Source.Duration)
	if err := c.thumbnailer.GenerateThumbnail(u.UploadID, u.SourcePath, localPath, u.Source, offset); err != nil {
		log.LogError(u.UploadID, errors.KindThumbnailFailed, err)
		u.thumbCh <- ""
		return
	}
	key := config.ObjectKey(u.StreamKey, u.UploadID, config.ThumbnailName(u.Prefix))
	url, err := c.blob.UploadFileVerified(context.Background(), u.UploadID, localPath, key, clients.ContentTypeFor(localPath))
	if err != nil {
		log.LogError(u.UploadID, errors.KindThumbnailFailed, err)
		u.thumbCh <- ""
		return
	}
	u.thumbCh <- url
}

// runAdmitted is the pipeline from step 4 on. The caller must hold an
// admission slot; it is released on every exit path.
func (c *Coordinator) runAdmitted(ctx context.Context, u *Upload) (Result, error) {
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(c.admission.Release) }

	start := time.Now()
	masterURL, err := c.runPrimary(ctx, u)
	metrics.Metrics.PipelineDurationSec.
		WithLabelValues("primary", strconv.FormatBool(err == nil)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		release()
		c.cleanUp(u)
		return Result{}, err
	}

	c.background.Add(1)
	go c.runBackground(u, release)
	return Result{MasterURL: masterURL}, nil
}

// runPrimary produces the 1080p rendition, the one-entry master, uploads
// everything including the thumbnail, and registers the catalog entry. After
// it returns the asset is externally playable.
func (c *Coordinator) runPrimary(ctx context.Context, u *Upload) (string, error) {
	workDir := c.workDir(u)
	primary := video.PrimaryRendition()

	if err := c.segmenter.Segment(ctx, u.UploadID, c.segmentParams(u, []video.RenditionSpec{primary})); err != nil {
		return "", errors.Wrap(errors.KindTranscodeFailed, err)
	}

	if err := c.writeMaster(u, []video.RenditionSpec{primary}); err != nil {
		return "", errors.Wrap(errors.KindTranscodeFailed, err)
	}

	// the thumbnail pass bounds its own retries, so this wait is finite
	if thumbURL := <-u.thumbCh; thumbURL != "" {
		u.ThumbnailURL = thumbURL
	} else {
		log.Log(u.UploadID, "no thumbnail for upload, catalog entry will use the default")
	}

	// segments first, then the variant playlist, then the master: nothing a
	// playlist references may be missing from the store when it lands
	patterns := []string{
		config.SegmentFileGlob(u.Prefix, primary.Name),
		config.VariantPlaylistName(u.Prefix, primary.Name),
		config.MasterPlaylistName(u.Prefix),
	}
	if err := c.blob.UploadDirectory(ctx, u.UploadID, workDir, patterns, u.StreamKey); err != nil {
		return "", errors.Wrap(errors.KindTranscodeFailed, err)
	}

	masterURL := c.blob.PublicURL(config.ObjectKey(u.StreamKey, u.UploadID, config.MasterPlaylistName(u.Prefix)))
	_, err := c.catalog.RegisterAsset(ctx, clients.RegisterAssetParams{
		StreamKey:           u.StreamKey,
		UploadID:            u.UploadID,
		RenditionPrefix:     u.Prefix,
		RequesterEmail:      u.UserEmail,
		ChannelNameAdvisory: u.ChannelName,
		ThumbnailURL:        u.ThumbnailURL,
		HLSURL:              masterURL,
	})
	if err != nil {
		if stderrors.Is(err, clients.ErrOwnershipUnresolved) {
			return "", errors.Wrap(errors.KindOwnershipUnresolved, err)
		}
		return "", errors.Wrap(errors.KindCatalogWriteFailed, err)
	}
	return masterURL, nil
}

// runBackground fills in the remaining renditions, rewrites the master to
// advertise the full ladder, announces completion and cleans up. Failures
// here are logged only; the already-returned response stands and the primary
// rendition stays playable.
func (c *Coordinator) runBackground(u *Upload, release func()) {
	ctx := log.WithLogValues(context.Background(), "upload_id", u.UploadID, "stream_key", u.StreamKey)
	defer c.background.Done()
	defer func() {
		if rec := recover(); rec != nil {
			log.Log(u.UploadID, "panic in background pipeline, recovering", "err", rec)
		}
		release()
		c.cleanUp(u)
	}()

	start := time.Now()
	err := c.runSecondary(ctx, u)
	metrics.Metrics.PipelineDurationSec.
		WithLabelValues("background", strconv.FormatBool(err == nil)).
		Observe(time.Since(start).Seconds())

	c.announce(ctx, u)
	if c.stats != nil {
		if err := c.stats.RecordUpload(ctx, u, time.Since(start), err == nil); err != nil {
			log.LogError(u.UploadID, "error recording upload stats", err)
		}
	}

	// episode cuts are ffmpeg invocations and count against admission, so the
	// slot stays held until they finish; the deferred release then frees it
	if c.episodes != nil {
		if err := c.episodes.Run(ctx, u); err != nil {
			log.LogError(u.UploadID, errors.KindEpisodeJobFailed, err)
		}
	}
}

func (c *Coordinator) runSecondary(ctx context.Context, u *Upload) error {
	secondary := video.SecondaryRenditions()

	if err := c.segmenter.Segment(ctx, u.UploadID, c.segmentParams(u, secondary)); err != nil {
		log.LogError(u.UploadID, errors.KindSecondaryTranscodeFailed, err)
		return err
	}

	// rewrite the master with the full ladder; the primary entry stays
	if err := c.writeMaster(u, video.RenditionLadder); err != nil {
		log.LogError(u.UploadID, errors.KindMasterRewriteFailed, err)
		return err
	}

	patterns := make([]string, 0, 2*len(secondary)+1)
	for _, spec := range secondary {
		patterns = append(patterns, config.SegmentFileGlob(u.Prefix, spec.Name))
	}
	for _, spec := range secondary {
		patterns = append(patterns, config.VariantPlaylistName(u.Prefix, spec.Name))
	}
	patterns = append(patterns, config.MasterPlaylistName(u.Prefix))
	if err := c.blob.UploadDirectory(ctx, u.UploadID, c.workDir(u), patterns, u.StreamKey); err != nil {
		log.LogError(u.UploadID, errors.KindMasterRewriteFailed, err)
		return err
	}

	log.LogCtx(ctx, "background renditions complete", "renditions", len(video.RenditionLadder))
	return nil
}

func (c *Coordinator) announce(ctx context.Context, u *Upload) {
	names := make([]string, len(video.RenditionLadder))
	for i, spec := range video.RenditionLadder {
		names[i] = spec.Name
	}
	msg := clients.StreamProcessedMessage{
		Type:        "stream_processed",
		StreamName:  u.StreamKey,
		SchedulerID: u.SchedulerID,
		Timestamp:   config.Clock.GetTimestampUTC(),
		Files:       names,
	}
	if err := c.queue.Publish(ctx, msg); err != nil {
		log.LogError(u.UploadID, "error publishing stream_processed message", err)
	}
}

func (c *Coordinator) segmentParams(u *Upload, specs []video.RenditionSpec) video.SegmentParams {
	return video.SegmentParams{
		SourcePath:  u.SourcePath,
		OutputDir:   c.workDir(u),
		Prefix:      u.Prefix,
		Renditions:  specs,
		Portrait:    u.Source.IsPortrait(),
		Rotation:    u.Source.Rotation,
		HasAudio:    u.Source.HasAudio,
		SegmentSecs: c.cli.SegmentDurationSecs,
	}
}

func (c *Coordinator) writeMaster(u *Upload, specs []video.RenditionSpec) error {
	baseURL := c.blob.PublicURL(config.ObjectKey(u.StreamKey, u.UploadID, ""))
	master := video.BuildMasterPlaylist(specs, baseURL, u.Prefix, u.Source.IsPortrait(), c.cli.SegmentDurationSecs)
	path := filepath.Join(c.workDir(u), config.MasterPlaylistName(u.Prefix))
	if err := os.WriteFile(path, master, 0644); err != nil {
		return fmt.Errorf("error writing master playlist: %w", err)
	}
	return nil
}

func (c *Coordinator) workDir(u *Upload) string {
	return filepath.Dir(u.SourcePath)
}

// cleanUp removes every local artifact of the upload, source file included.
func (c *Coordinator) cleanUp(u *Upload) {
	matches, err := filepath.Glob(filepath.Join(c.workDir(u), u.Prefix+"*"))
	if err != nil {
		log.LogError(u.UploadID, "error globbing scratch files", err)
		return
	}
	for _, file := range matches {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			log.LogError(u.UploadID, "error removing scratch file", err, "file", file)
		}
	}
	if err := os.Remove(u.SourcePath); err != nil && !os.IsNotExist(err) {
		log.LogError(u.UploadID, "error removing source file", err)
	}
	log.Log(u.UploadID, "cleaned up local scratch", "files", len(matches))
}

// WaitForBackground blocks until all background phases have finished. Used by
// tests and graceful shutdown.
func (c *Coordinator) WaitForBackground() {
	c.background.Wait()
}

// CleanUpStaleScratch removes upload artifacts left behind by a previous
// process in the recording directory.
func CleanUpStaleScratch(dir string, olderThan time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.LogNoUploadID("error scanning recording dir for stale scratch", "dir", dir, "err", err)
		return
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !strings.Contains(entry.Name(), "_upload-") {
			continue
		}
		if time.Since(info.ModTime()) < olderThan {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.LogNoUploadID("removed stale scratch files", "dir", dir, "count", removed)
	}
}
