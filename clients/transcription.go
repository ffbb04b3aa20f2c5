package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/hashicorp/go-retryablehttp"
)

// TranscriptSegment is one time-stamped piece of the transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type transcriptionResponse struct {
	Segments []TranscriptSegment `json:"segments"`
}

type TranscriptionClient interface {
	Transcribe(ctx context.Context, uploadID, sourcePath string) ([]TranscriptSegment, error)
}

// HTTPTranscriptionClient POSTs the whole video in a single multipart request
// and expects a segmented JSON transcript back.
type HTTPTranscriptionClient struct {
	endpoint   *url.URL
	apiKey     string
	httpClient *retryablehttp.Client
}

func NewTranscriptionClient(endpoint *url.URL, apiKey string) *HTTPTranscriptionClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 15 * time.Minute // whole-file uploads of long recordings
	client.Logger = log.NewRetryableHTTPLogger()
	client.CheckRetry = metrics.HttpRetryHook
	return &HTTPTranscriptionClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: client,
	}
}

func (c *HTTPTranscriptionClient) Transcribe(ctx context.Context, uploadID, sourcePath string) ([]TranscriptSegment, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("error opening source for transcription: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(sourcePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("error buffering source for transcription: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, err
	}
	if err := mw.WriteField("timestamp_granularities[]", "segment"); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint.String(), bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Log(uploadID, "sending video for transcription", "bytes", body.Len(), "host", c.endpoint.Host)
	resp, err := metrics.MonitorRequest(metrics.Metrics.TranscriptionClient, c.httpClient.StandardClient(), req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transcription request failed with status %d: %s", resp.StatusCode, payload)
	}

	var parsed transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("error parsing transcription response: %w", err)
	}
	return parsed.Segments, nil
}
