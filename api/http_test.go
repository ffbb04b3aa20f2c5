package api

import (
	"net/http"
	"testing"

	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/handlers"
	"github.com/stretchr/testify/require"
)

func TestRouterRegistersAllRoutes(t *testing.T) {
	router := NewIngestAPIRouter(handlers.NewIngestHandlersCollection(config.Cli{}, nil, nil, nil))

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/ok"},
		{http.MethodPost, "/api/channels/upload-video"},
		{http.MethodPost, "/stream/start"},
		{http.MethodPost, "/stream/stop"},
		{http.MethodPost, "/start-stream"},
		{http.MethodPost, "/stop-stream"},
		{http.MethodGet, "/health"},
		{http.MethodGet, "/streams"},
		{http.MethodPost, "/api/episodes/edit"},
		{http.MethodGet, "/api/episodes/sk1"},
	}
	for _, route := range routes {
		handle, _, _ := router.Lookup(route.method, route.path)
		require.NotNil(t, handle, "no handler registered for %s %s", route.method, route.path)
	}
}

func TestEpisodeListRouteCapturesStreamKey(t *testing.T) {
	router := NewIngestAPIRouter(handlers.NewIngestHandlersCollection(config.Cli{}, nil, nil, nil))

	_, params, _ := router.Lookup(http.MethodGet, "/api/episodes/my-stream")
	require.Equal(t, "my-stream", params.ByName("streamKey"))
}
