package handlers

import (
	"net/http"

	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/errors"
	"github.com/julienschmidt/httprouter"
)

type EditEpisodeRequest struct {
	StreamKey     string `json:"streamKey"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	AdminEmail    string `json:"adminEmail"`
}

type EditEpisodeResponse struct {
	Success bool                 `json:"success"`
	Episode clients.EpisodeEntry `json:"episode"`
}

type ListEpisodesResponse struct {
	Success  bool                   `json:"success"`
	Episodes []clients.EpisodeEntry `json:"episodes"`
}

// EditEpisode lets the platform admin retitle an episode.
func (d *IngestHandlersCollection) EditEpisode() httprouter.Handle {
	schema := inputSchemasCompiled["EditEpisode"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var payload EditEpisodeRequest
		if !decodeAndValidate(w, req, schema, &payload) {
			return
		}
		if !d.isAdmin(payload.AdminEmail) {
			errors.WriteHTTPForbidden(w, "Admin access required", nil)
			return
		}
		episode, err := d.Episodes.UpdateEpisode(req.Context(), payload.StreamKey, payload.EpisodeNumber, payload.Title, payload.Description, payload.AdminEmail)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Could not update episode", err)
			return
		}
		writeJSON(w, http.StatusOK, EditEpisodeResponse{Success: true, Episode: episode})
	}
}

// ListEpisodes returns every episode cut from a stream, admin only.
func (d *IngestHandlersCollection) ListEpisodes() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		if !d.isAdmin(req.URL.Query().Get("adminEmail")) {
			errors.WriteHTTPForbidden(w, "Admin access required", nil)
			return
		}
		streamKey := params.ByName("streamKey")
		if streamKey == "" {
			errors.WriteHTTPBadRequest(w, "Missing streamKey", nil)
			return
		}
		episodes, err := d.Episodes.ListEpisodes(req.Context(), streamKey)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Could not list episodes", err)
			return
		}
		writeJSON(w, http.StatusOK, ListEpisodesResponse{Success: true, Episodes: episodes})
	}
}

func (d *IngestHandlersCollection) isAdmin(email string) bool {
	return email != "" && email == d.Cli.AdminEmail
}
