package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripCodeFence(t *testing.T) {
	bare := `[{"startTime":0}]`
	require.Equal(t, bare, StripCodeFence(bare))
	require.Equal(t, bare, StripCodeFence("```json\n"+bare+"\n```"))
	require.Equal(t, bare, StripCodeFence("```\n"+bare+"\n```"))
	require.Equal(t, bare, StripCodeFence("\n  ```json\n"+bare+"\n```  \n"))
}

func TestParseEpisodeJSON(t *testing.T) {
	episodes, err := ParseEpisodeJSON("```json\n[{\"startTime\": 0, \"endTime\": 612.5, \"title\": \"Intro\", \"description\": \"Opening chat\"}]\n```")
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Equal(t, EpisodeBoundary{StartTime: 0, EndTime: 612.5, Title: "Intro", Description: "Opening chat"}, episodes[0])

	_, err = ParseEpisodeJSON("The video has three parts.")
	require.ErrorContains(t, err, "error parsing episode JSON")
}

func TestEpisodePromptEnumeratesSegments(t *testing.T) {
	prompt := EpisodePrompt([]TranscriptSegment{
		{Start: 0, End: 4.5, Text: "hello everyone"},
		{Start: 4.5, End: 9, Text: "today we cook"},
	})
	require.Contains(t, prompt, "[0.0 - 4.5] hello everyone")
	require.Contains(t, prompt, "[4.5 - 9.0] today we cook")
	require.Contains(t, prompt, "startTime, endTime, title, description")
}

func TestSegmentTranscriptCallsChatEndpoint(t *testing.T) {
	var received chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "```json\n[{\"startTime\":0,\"endTime\":300,\"title\":\"Part one\"}]\n```"}},
			},
		})
	}))
	defer server.Close()

	endpoint, err := url.Parse(server.URL)
	require.NoError(t, err)
	client := NewLLMClient(endpoint, "test-key", "gpt-test")

	episodes, err := client.SegmentTranscript(context.Background(), "u1", []TranscriptSegment{{Start: 0, End: 5, Text: "hi"}})
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	require.Equal(t, "Part one", episodes[0].Title)

	require.Equal(t, "gpt-test", received.Model)
	require.Len(t, received.Messages, 2)
	require.Equal(t, "system", received.Messages[0].Role)
	require.Contains(t, received.Messages[1].Content, "[0.0 - 5.0] hi")
}

func TestSegmentTranscriptRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	endpoint, _ := url.Parse(server.URL)
	client := NewLLMClient(endpoint, "", "")
	_, err := client.SegmentTranscript(context.Background(), "u1", nil)
	require.ErrorContains(t, err, "no choices")
}
