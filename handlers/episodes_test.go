package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clipcast/ingest-api/clients"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestEditEpisodeRequiresAdmin(t *testing.T) {
	handlers, _, _ := testHandlers(t, nil)

	body := `{"streamKey": "sk1", "episodeNumber": 1, "title": "New title", "adminEmail": "viewer@example.com"}`
	resp := postJSON(handlers.EditEpisode(), body)

	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Contains(t, resp.Body.String(), "Admin access required")
}

func TestEditEpisodeUpdatesTheEntry(t *testing.T) {
	handlers, _, _ := testHandlers(t, nil)

	body := `{"streamKey": "sk1", "episodeNumber": 3, "title": "New title", "description": "Recut", "adminEmail": "admin@example.com"}`
	resp := postJSON(handlers.EditEpisode(), body)

	require.Equal(t, http.StatusOK, resp.Code)
	var parsed EditEpisodeResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &parsed))
	require.True(t, parsed.Success)
	require.Equal(t, "sk1", parsed.Episode.StreamKey)
	require.Equal(t, 3, parsed.Episode.EpisodeNumber)
	require.Equal(t, "New title", parsed.Episode.Title)
	require.Equal(t, "Recut", parsed.Episode.Description)
	require.Equal(t, "admin@example.com", parsed.Episode.EditedBy)
}

func TestEditEpisodeRejectsBadPayloads(t *testing.T) {
	handlers, _, _ := testHandlers(t, nil)

	// episodeNumber must be a positive integer
	resp := postJSON(handlers.EditEpisode(), `{"streamKey": "sk1", "episodeNumber": 0, "adminEmail": "admin@example.com"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	// adminEmail is required by the schema, before the admin check runs
	resp = postJSON(handlers.EditEpisode(), `{"streamKey": "sk1", "episodeNumber": 1}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListEpisodesRequiresAdmin(t *testing.T) {
	handlers, _, _ := testHandlers(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/episodes/sk1", nil)
	resp := httptest.NewRecorder()
	handlers.ListEpisodes()(resp, req, httprouter.Params{{Key: "streamKey", Value: "sk1"}})
	require.Equal(t, http.StatusForbidden, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/episodes/sk1?adminEmail=other@example.com", nil)
	resp = httptest.NewRecorder()
	handlers.ListEpisodes()(resp, req, httprouter.Params{{Key: "streamKey", Value: "sk1"}})
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestListEpisodesReturnsTheCatalogEntries(t *testing.T) {
	handlers, _, _ := testHandlers(t, func(h *IngestHandlersCollection) {
		h.Episodes = &fakeEpisodeCatalog{episodes: []clients.EpisodeEntry{
			{StreamKey: "sk1", EpisodeNumber: 1, Title: "Opening"},
			{StreamKey: "sk1", EpisodeNumber: 2, Title: "Main course"},
		}}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/episodes/sk1?adminEmail=admin@example.com", nil)
	resp := httptest.NewRecorder()
	handlers.ListEpisodes()(resp, req, httprouter.Params{{Key: "streamKey", Value: "sk1"}})

	require.Equal(t, http.StatusOK, resp.Code)
	var parsed ListEpisodesResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &parsed))
	require.True(t, parsed.Success)
	require.Len(t, parsed.Episodes, 2)
	require.Equal(t, "Opening", parsed.Episodes[0].Title)
}

func TestListEpisodesRequiresAStreamKey(t *testing.T) {
	handlers, _, _ := testHandlers(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/episodes/?adminEmail=admin@example.com", nil)
	resp := httptest.NewRecorder()
	handlers.ListEpisodes()(resp, req, httprouter.Params{})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
