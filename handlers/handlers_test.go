package handlers

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/pipeline"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu      sync.Mutex
	uploads []*pipeline.Upload
	result  pipeline.Result
	err     error
}

func (f *fakeProcessor) ProcessUpload(ctx context.Context, u *pipeline.Upload) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	f.uploads = append(f.uploads, u)
	return f.result, nil
}

func (f *fakeProcessor) processed() []*pipeline.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pipeline.Upload{}, f.uploads...)
}

type recordingQueue struct {
	mu       sync.Mutex
	messages []interface{}
}

func (q *recordingQueue) Publish(ctx context.Context, msg interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

type fakeEpisodeCatalog struct {
	episodes  []clients.EpisodeEntry
	updateErr error
	updated   *clients.EpisodeEntry
}

func (f *fakeEpisodeCatalog) ListEpisodes(ctx context.Context, streamKey string) ([]clients.EpisodeEntry, error) {
	return f.episodes, nil
}

func (f *fakeEpisodeCatalog) UpdateEpisode(ctx context.Context, streamKey string, episodeNumber int, title, description, editedBy string) (clients.EpisodeEntry, error) {
	if f.updateErr != nil {
		return clients.EpisodeEntry{}, f.updateErr
	}
	entry := clients.EpisodeEntry{
		StreamKey:     streamKey,
		EpisodeNumber: episodeNumber,
		Title:         title,
		Description:   description,
		EditedBy:      editedBy,
	}
	f.updated = &entry
	return entry, nil
}

func testHandlers(t *testing.T, mutate func(*IngestHandlersCollection)) (*IngestHandlersCollection, *fakeProcessor, *recordingQueue) {
	t.Helper()
	processor := &fakeProcessor{}
	queue := &recordingQueue{}
	cli := config.Cli{
		RecordingDir:   t.TempDir(),
		MaxUploadBytes: 1 << 20,
		AdminEmail:     "admin@example.com",
	}
	handlers := NewIngestHandlersCollection(cli, processor, queue, &fakeEpisodeCatalog{})
	if mutate != nil {
		mutate(handlers)
	}
	return handlers, processor, queue
}

// buildUpload composes a multipart request body with a video part named
// filename and the given form fields.
func buildUpload(t *testing.T, filename, contentType string, size int, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="video"; filename="%s"`, filename)}
	if contentType != "" {
		header["Content-Type"] = []string{contentType}
	}
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("v"), size))
	require.NoError(t, err)
	for name, value := range fields {
		require.NoError(t, w.WriteField(name, value))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

// buildFieldsOnly composes a multipart body with no video part at all.
func buildFieldsOnly(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for name, value := range fields {
		require.NoError(t, w.WriteField(name, value))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func defaultFields() map[string]string {
	return map[string]string{
		"streamKey":   "sk1",
		"channelName": "cooking",
		"userEmail":   "streamer@example.com",
		"uploadId":    "upload-42-zzzzzzzzz",
		"title":       "Dinner stream",
		"price":       "4.99",
	}
}

func postUpload(handlers *IngestHandlersCollection, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/channels/upload-video", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	handlers.UploadVideo()(resp, req, nil)
	return resp
}
