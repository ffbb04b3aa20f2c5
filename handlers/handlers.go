package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/clipcast/ingest-api/cache"
	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/pipeline"
	"github.com/julienschmidt/httprouter"
)

// UploadProcessor is what the handlers need from the pipeline coordinator.
type UploadProcessor interface {
	ProcessUpload(ctx context.Context, u *pipeline.Upload) (pipeline.Result, error)
}

// EpisodeCatalog is the slice of the catalog store the admin episode API uses.
type EpisodeCatalog interface {
	ListEpisodes(ctx context.Context, streamKey string) ([]clients.EpisodeEntry, error)
	UpdateEpisode(ctx context.Context, streamKey string, episodeNumber int, title, description, editedBy string) (clients.EpisodeEntry, error)
}

// StreamInfo is one live stream registered by the RTMP front-end's hooks.
type StreamInfo struct {
	Name        string    `json:"name"`
	SchedulerID string    `json:"schedulerId,omitempty"`
	InputURL    string    `json:"inputUrl,omitempty"`
	OutputURL   string    `json:"outputUrl,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

type IngestHandlersCollection struct {
	Cli           config.Cli
	Pipeline      UploadProcessor
	Queue         clients.QueuePublisher
	Episodes      EpisodeCatalog
	ActiveStreams *cache.Cache[StreamInfo]
}

func NewIngestHandlersCollection(cli config.Cli, processor UploadProcessor, queue clients.QueuePublisher, episodes EpisodeCatalog) *IngestHandlersCollection {
	return &IngestHandlersCollection{
		Cli:           cli,
		Pipeline:      processor,
		Queue:         queue,
		Episodes:      episodes,
		ActiveStreams: cache.New[StreamInfo](),
	}
}

func (d *IngestHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoUploadID("error writing JSON response", "err", err)
	}
}
