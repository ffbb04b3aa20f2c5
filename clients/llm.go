package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/hashicorp/go-retryablehttp"
)

// EpisodeBoundary is one episode the LLM cut out of the transcript.
type EpisodeBoundary struct {
	StartTime   float64 `json:"startTime"`
	EndTime     float64 `json:"endTime"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
}

type LLMClient interface {
	SegmentTranscript(ctx context.Context, uploadID string, segments []TranscriptSegment) ([]EpisodeBoundary, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type HTTPLLMClient struct {
	endpoint   *url.URL
	apiKey     string
	model      string
	httpClient *retryablehttp.Client
}

func NewLLMClient(endpoint *url.URL, apiKey, model string) *HTTPLLMClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 2 * time.Minute
	client.Logger = log.NewRetryableHTTPLogger()
	client.CheckRetry = metrics.HttpRetryHook
	return &HTTPLLMClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: client,
	}
}

// SegmentTranscript asks the LLM to group the transcript into self-titled
// episodes and parses the JSON array it returns.
func (c *HTTPLLMClient) SegmentTranscript(ctx context.Context, uploadID string, segments []TranscriptSegment) ([]EpisodeBoundary, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "return only valid JSON"},
			{Role: "user", Content: EpisodePrompt(segments)},
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := metrics.MonitorRequest(metrics.Metrics.LLMClient, c.httpClient.StandardClient(), req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm request failed with status %d: %s", resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("error parsing llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm response contained no choices")
	}

	episodes, err := ParseEpisodeJSON(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	log.Log(uploadID, "llm returned episode boundaries", "episodes", len(episodes))
	return episodes, nil
}

// EpisodePrompt enumerates the transcript segments for the model and states
// the episode shape we want back.
func EpisodePrompt(segments []TranscriptSegment) string {
	var sb strings.Builder
	sb.WriteString("Below is a transcript of a video, one line per segment as [start - end] text.\n")
	sb.WriteString("Group it into self-contained episodes. Prefer episode durations between 5 and 30 minutes.\n")
	sb.WriteString("Respond with a JSON array of objects with keys startTime, endTime, title, description.\n")
	sb.WriteString("startTime and endTime are in seconds from the beginning of the video.\n\n")
	for _, seg := range segments {
		sb.WriteString(fmt.Sprintf("[%.1f - %.1f] %s\n", seg.Start, seg.End, seg.Text))
	}
	return sb.String()
}

// ParseEpisodeJSON parses the model's answer, tolerating a Markdown code
// fence around the JSON array.
func ParseEpisodeJSON(content string) ([]EpisodeBoundary, error) {
	trimmed := StripCodeFence(content)
	var episodes []EpisodeBoundary
	if err := json.Unmarshal([]byte(trimmed), &episodes); err != nil {
		return nil, fmt.Errorf("error parsing episode JSON: %w", err)
	}
	return episodes, nil
}

// StripCodeFence removes a wrapping ```json ... ``` fence if present.
func StripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// drop the language tag line (```json)
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
