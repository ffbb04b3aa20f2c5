package handlers

import (
	"net/http"

	"github.com/clipcast/ingest-api/config"
	"github.com/julienschmidt/httprouter"
)

type HealthcheckResponse struct {
	Status        string `json:"status"`
	ActiveStreams int    `json:"activeStreams"`
	Timestamp     int64  `json:"timestamp"`
}

type StreamListResponse struct {
	Streams []StreamInfo `json:"streams"`
}

// Healthcheck reports liveness plus the number of in-flight streams; used by
// the load balancer to decide whether to route here.
func (d *IngestHandlersCollection) Healthcheck() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, HealthcheckResponse{
			Status:        "healthy",
			ActiveStreams: d.ActiveStreams.Count(),
			Timestamp:     config.Clock.GetTimestampUTC(),
		})
	}
}

// ListStreams returns the currently registered live streams.
func (d *IngestHandlersCollection) ListStreams() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		streams := make([]StreamInfo, 0)
		for _, key := range d.ActiveStreams.GetKeys() {
			if info := d.ActiveStreams.Get(key); info.Name != "" {
				streams = append(streams, info)
			}
		}
		writeJSON(w, http.StatusOK, StreamListResponse{Streams: streams})
	}
}
