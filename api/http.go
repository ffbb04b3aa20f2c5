package api

import (
	"context"
	"net/http"
	"time"

	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/handlers"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/middleware"
	"github.com/julienschmidt/httprouter"
)

func ListenAndServe(ctx context.Context, cli config.Cli, ingestHandlers *handlers.IngestHandlersCollection) error {
	router := NewIngestAPIRouter(ingestHandlers)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoUploadID(
		"Starting ingest API",
		"version", config.Version,
		"host", cli.HTTPAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewIngestAPIRouter(ingestHandlers *handlers.IngestHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()

	// Simple endpoint for load balancer liveness probes
	router.GET("/ok", withLogging(ingestHandlers.Ok()))

	// Primary ingress: multipart video uploads
	router.POST("/api/channels/upload-video", withLogging(ingestHandlers.UploadVideo()))

	// Lifecycle hooks called by the RTMP front-end
	router.POST("/stream/start", withLogging(ingestHandlers.StreamStart()))
	router.POST("/stream/stop", withLogging(ingestHandlers.StreamStop()))
	router.POST("/start-stream", withLogging(ingestHandlers.NginxStreamStart()))
	router.POST("/stop-stream", withLogging(ingestHandlers.NginxStreamStop()))

	// Introspection
	router.GET("/health", withLogging(ingestHandlers.Healthcheck()))
	router.GET("/streams", withLogging(ingestHandlers.ListStreams()))

	// Admin episode API
	router.POST("/api/episodes/edit", withLogging(ingestHandlers.EditEpisode()))
	router.GET("/api/episodes/:streamKey", withLogging(ingestHandlers.ListEpisodes()))

	return router
}
