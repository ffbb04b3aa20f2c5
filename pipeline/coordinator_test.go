package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipcast/ingest-api/admission"
	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/errors"
	"github.com/clipcast/ingest-api/video"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	src video.SourceInfo
	err error
}

func (f fakeProber) ProbeFile(uploadID, url string, opts ...string) (video.SourceInfo, error) {
	return f.src, f.err
}

type segmentCall struct {
	renditions []string
	clipStart  float64
	clipEnd    float64
}

type fakeSegmenter struct {
	mu    sync.Mutex
	calls []segmentCall
	// fail the call whose first rendition matches
	failOn string
}

func (f *fakeSegmenter) Segment(ctx context.Context, uploadID string, p video.SegmentParams) error {
	names := []string{}
	for _, spec := range p.Renditions {
		names = append(names, spec.Name)
	}
	f.mu.Lock()
	f.calls = append(f.calls, segmentCall{renditions: names, clipStart: p.ClipStart, clipEnd: p.ClipEnd})
	f.mu.Unlock()
	if f.failOn != "" && names[0] == f.failOn {
		return fmt.Errorf("ffmpeg exploded on %s", f.failOn)
	}
	return nil
}

func (f *fakeSegmenter) renditionCalls() []segmentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]segmentCall{}, f.calls...)
}

type fakeThumbnailer struct {
	err error
}

func (f fakeThumbnailer) GenerateThumbnail(uploadID, sourcePath, outPath string, src video.SourceInfo, offsetSecs float64) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outPath, []byte("jpeg"), 0644)
}

type uploadDirCall struct {
	patterns []string
}

type fakeBlob struct {
	mu        sync.Mutex
	dirCalls  []uploadDirCall
	fileKeys  []string
	dirErr    error
	verifyErr error
}

func (f *fakeBlob) UploadDirectory(ctx context.Context, uploadID, dir string, patterns []string, streamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirErr != nil {
		return f.dirErr
	}
	f.dirCalls = append(f.dirCalls, uploadDirCall{patterns: patterns})
	return nil
}

func (f *fakeBlob) UploadFileVerified(ctx context.Context, uploadID, localPath, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return "", f.verifyErr
	}
	f.fileKeys = append(f.fileKeys, key)
	return f.PublicURL(key), nil
}

func (f *fakeBlob) HeadURL(ctx context.Context, publicURL string) error { return nil }

func (f *fakeBlob) PublicURL(key string) string {
	return "https://cdn.example.com/" + strings.TrimSuffix(key, "/")
}

func (f *fakeBlob) directoryCalls() []uploadDirCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadDirCall{}, f.dirCalls...)
}

type fakeCatalog struct {
	mu          sync.Mutex
	registered  []clients.RegisterAssetParams
	metadata    []clients.UploadMetadata
	episodes    []clients.EpisodeEntry
	mapping     clients.StreamKeyMapping
	mappingErr  error
	registerErr error
}

func (f *fakeCatalog) RegisterAsset(ctx context.Context, p clients.RegisterAssetParams) (clients.CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return clients.CatalogEntry{}, f.registerErr
	}
	f.registered = append(f.registered, p)
	return clients.CatalogEntry{FileID: "file-" + p.UploadID}, nil
}

func (f *fakeCatalog) PutUploadMetadata(ctx context.Context, md clients.UploadMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, md)
	return nil
}

func (f *fakeCatalog) GetStreamKeyMapping(ctx context.Context, streamKey string) (clients.StreamKeyMapping, error) {
	return f.mapping, f.mappingErr
}

func (f *fakeCatalog) PutEpisode(ctx context.Context, e clients.EpisodeEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes = append(f.episodes, e)
	return nil
}

func (f *fakeCatalog) registeredParams() []clients.RegisterAssetParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clients.RegisterAssetParams{}, f.registered...)
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []interface{}
}

func (f *fakeQueue) Publish(ctx context.Context, msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeQueue) published() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}{}, f.messages...)
}

func newTestUpload(t *testing.T) *Upload {
	t.Helper()
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "sk_upload-1-abc_source.mp4")
	require.NoError(t, os.WriteFile(sourcePath, []byte("video-bytes"), 0644))
	return &Upload{
		StreamKey:   "sk",
		UploadID:    "upload-1-abc",
		Prefix:      "sk_upload-1-abc",
		UserEmail:   "streamer@example.com",
		ChannelName: "cooking",
		Title:       "Dinner stream",
		SourcePath:  sourcePath,
	}
}

type testPipeline struct {
	coordinator *Coordinator
	segmenter   *fakeSegmenter
	blob        *fakeBlob
	catalog     *fakeCatalog
	queue       *fakeQueue
	admission   *admission.Controller
}

func newTestPipeline(t *testing.T, mutate func(*testPipeline)) *testPipeline {
	t.Helper()
	p := &testPipeline{
		segmenter: &fakeSegmenter{},
		blob:      &fakeBlob{},
		catalog:   &fakeCatalog{},
		queue:     &fakeQueue{},
		admission: admission.NewControllerForTest(2, 50),
	}
	if mutate != nil {
		mutate(p)
	}
	p.coordinator = NewStubCoordinator(
		config.Cli{SegmentDurationSecs: 6},
		fakeProber{src: video.SourceInfo{Width: 1920, Height: 1080, Duration: 120, HasAudio: true}},
		p.segmenter,
		fakeThumbnailer{},
		p.blob,
		p.catalog,
		p.queue,
		p.admission,
	)
	return p
}

func TestProcessUploadHappyPath(t *testing.T) {
	p := newTestPipeline(t, nil)
	u := newTestUpload(t)

	result, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.NoError(t, err)
	require.False(t, result.Queued)
	require.Equal(t, "https://cdn.example.com/clips/sk/upload-1-abc/sk_upload-1-abc_master.m3u8", result.MasterURL)

	// catalog registration happened before the response, with the verified
	// thumbnail URL and the master URL
	registered := p.catalog.registeredParams()
	require.Len(t, registered, 1)
	require.Equal(t, "sk", registered[0].StreamKey)
	require.Equal(t, "streamer@example.com", registered[0].RequesterEmail)
	require.Equal(t, result.MasterURL, registered[0].HLSURL)
	require.Contains(t, registered[0].ThumbnailURL, "sk_upload-1-abc_thumb.jpg")

	// metadata was persisted before transcoding
	require.Len(t, p.catalog.metadata, 1)
	require.Equal(t, "Dinner stream", p.catalog.metadata[0].Title)

	p.coordinator.WaitForBackground()

	// primary first, then the three secondaries in one call
	calls := p.segmenter.renditionCalls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"1080p"}, calls[0].renditions)
	require.Equal(t, []string{"720p", "480p", "360p"}, calls[1].renditions)

	// master is always uploaded last within each phase
	dirCalls := p.blob.directoryCalls()
	require.Len(t, dirCalls, 2)
	for _, call := range dirCalls {
		require.Equal(t, "sk_upload-1-abc_master.m3u8", call.patterns[len(call.patterns)-1])
	}
	require.Equal(t, []string{
		"sk_upload-1-abc_1080p_*.ts",
		"sk_upload-1-abc_1080p.m3u8",
		"sk_upload-1-abc_master.m3u8",
	}, dirCalls[0].patterns)

	// completion was announced and the slot released
	messages := p.queue.published()
	require.Len(t, messages, 1)
	msg := messages[0].(clients.StreamProcessedMessage)
	require.Equal(t, "stream_processed", msg.Type)
	require.Equal(t, "sk", msg.StreamName)
	require.Equal(t, 0, p.admission.Active())

	// local scratch is gone
	_, err = os.Stat(u.SourcePath)
	require.True(t, os.IsNotExist(err))
}

func TestProcessUploadPrimaryFailureReleasesSlotAndCleansUp(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		p.segmenter.failOn = "1080p"
	})
	u := newTestUpload(t)

	_, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.Error(t, err)
	require.Equal(t, errors.KindTranscodeFailed, errors.Kind(err))

	require.Empty(t, p.catalog.registeredParams())
	require.Empty(t, p.queue.published())
	require.Equal(t, 0, p.admission.Active())
	_, statErr := os.Stat(u.SourcePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestProcessUploadSecondaryFailureLeavesPrimaryStanding(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		p.segmenter.failOn = "720p"
	})
	u := newTestUpload(t)

	result, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.NoError(t, err)
	require.NotEmpty(t, result.MasterURL)

	p.coordinator.WaitForBackground()

	// primary upload and registration stand, only one directory upload happened
	require.Len(t, p.blob.directoryCalls(), 1)
	require.Len(t, p.catalog.registeredParams(), 1)
	// completion is still announced so downstream knows the stream finished
	require.Len(t, p.queue.published(), 1)
	require.Equal(t, 0, p.admission.Active())
}

func TestProcessUploadMapsOwnershipErrors(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		p.catalog.registerErr = fmt.Errorf("wrapped: %w", clients.ErrOwnershipUnresolved)
	})

	_, err := p.coordinator.ProcessUpload(context.Background(), newTestUpload(t))
	require.Error(t, err)
	require.Equal(t, errors.KindOwnershipUnresolved, errors.Kind(err))
}

func TestProcessUploadMapsCatalogWriteErrors(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		p.catalog.registerErr = fmt.Errorf("dynamo is down")
	})

	_, err := p.coordinator.ProcessUpload(context.Background(), newTestUpload(t))
	require.Error(t, err)
	require.Equal(t, errors.KindCatalogWriteFailed, errors.Kind(err))
}

func TestProcessUploadQueuesWhenCapacityExhausted(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		p.admission = admission.NewControllerForTest(1, 50)
	})
	// hold the only slot
	require.True(t, p.admission.TryAcquire())

	result, err := p.coordinator.ProcessUpload(context.Background(), newTestUpload(t))
	require.NoError(t, err)
	require.True(t, result.Queued)
	require.Empty(t, result.MasterURL)
	require.Equal(t, 1, p.admission.QueueDepth())
	require.Empty(t, p.catalog.registeredParams())

	// freeing the slot lets the queued upload run to completion
	p.admission.Release()
	require.Eventually(t, func() bool {
		return len(p.catalog.registeredParams()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(p.queue.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// admissionTrackingSegmenter records how many admission slots were held at the
// moment of each cut.
type admissionTrackingSegmenter struct {
	episodeSegmenter
	adm *admission.Controller

	mu        sync.Mutex
	slotsHeld []int
}

func (s *admissionTrackingSegmenter) Segment(ctx context.Context, uploadID string, p video.SegmentParams) error {
	s.mu.Lock()
	s.slotsHeld = append(s.slotsHeld, s.adm.Active())
	s.mu.Unlock()
	return s.episodeSegmenter.Segment(ctx, uploadID, p)
}

func (s *admissionTrackingSegmenter) heldAtEachCut() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int{}, s.slotsHeld...)
}

func TestEpisodeCutsRunWithTheAdmissionSlotHeld(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		p.admission = admission.NewControllerForTest(1, 50)
		p.catalog.mapping = clients.StreamKeyMapping{StreamKey: "sk", ChannelName: "cooking"}
	})
	seg := &admissionTrackingSegmenter{adm: p.admission}
	p.coordinator.episodes = newEpisodeRunnerForTest(seg, fakeThumbnailer{}, p.blob, p.catalog,
		fakeTranscription{segments: []clients.TranscriptSegment{{Start: 0, End: 5, Text: "hello"}}},
		fakeLLM{boundaries: []clients.EpisodeBoundary{
			{StartTime: 0, EndTime: 60, Title: "Prep"},
			{StartTime: 60, EndTime: 120, Title: "Cooking"},
		}},
	)
	u := newTestUpload(t)

	_, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.NoError(t, err)
	p.coordinator.WaitForBackground()

	// every episode ffmpeg invocation counted against admission
	held := seg.heldAtEachCut()
	require.Len(t, held, 2)
	for _, active := range held {
		require.GreaterOrEqual(t, active, 1)
	}
	// and the slot was freed once the pass finished
	require.Equal(t, 0, p.admission.Active())
	require.Len(t, p.catalog.episodes, 2)
}

func TestDroppedQueuedUploadCleansUpItsScratch(t *testing.T) {
	p := newTestPipeline(t, func(p *testPipeline) {
		// memory pressure denies every admission attempt
		p.admission = admission.NewControllerForTest(1, 95)
	})
	u := newTestUpload(t)

	result, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.NoError(t, err)
	require.True(t, result.Queued)
	require.Equal(t, 1, p.admission.QueueDepth())

	// hand the queue head to the deferred path; both attempts fail under
	// memory pressure and the upload is dropped
	p.admission.Release()

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(u.SourcePath)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, p.catalog.registeredParams())
	require.Empty(t, p.queue.published())
}

func TestProcessUploadFallsBackToDefaultThumbnail(t *testing.T) {
	p := newTestPipeline(t, nil)
	u := newTestUpload(t)

	p.coordinator.thumbnailer = fakeThumbnailer{err: fmt.Errorf("no keyframe")}

	_, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.NoError(t, err)

	registered := p.catalog.registeredParams()
	require.Len(t, registered, 1)
	// empty URL tells the catalog layer to substitute the placeholder
	require.Empty(t, registered[0].ThumbnailURL)
	p.coordinator.WaitForBackground()
}

func TestProcessUploadContinuesWhenProbeFails(t *testing.T) {
	p := newTestPipeline(t, nil)
	p.coordinator.prober = fakeProber{err: fmt.Errorf("moov atom not found")}
	u := newTestUpload(t)

	_, err := p.coordinator.ProcessUpload(context.Background(), u)
	require.NoError(t, err)
	// pipeline proceeded with the default source info
	require.Equal(t, video.DefaultSourceInfo(), u.Source)
	p.coordinator.WaitForBackground()
}

func TestCleanUpStaleScratch(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "sk_upload-1-abc_1080p_000.ts")
	fresh := filepath.Join(dir, "sk_upload-2-def_source.mp4")
	unrelated := filepath.Join(dir, "notes.txt")
	for _, f := range []string{stale, fresh, unrelated} {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	}
	old := time.Now().Add(-12 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	CleanUpStaleScratch(dir, 6*time.Hour)

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(unrelated)
	require.NoError(t, err)
}
