package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/errors"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/pipeline"
	"github.com/clipcast/ingest-api/video"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"
)

type StreamHookRequest struct {
	Name        string `json:"name"`
	SchedulerID string `json:"schedulerId"`
}

type NginxHookRequest struct {
	StreamID  string `json:"streamId"`
	InputURL  string `json:"inputUrl"`
	OutputURL string `json:"outputUrl"`
}

type hookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StreamStart registers a stream the RTMP front-end just began recording.
func (d *IngestHandlersCollection) StreamStart() httprouter.Handle {
	schema := inputSchemasCompiled["StreamHook"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var payload StreamHookRequest
		if !decodeAndValidate(w, req, schema, &payload) {
			return
		}
		d.ActiveStreams.Store(payload.Name, StreamInfo{
			Name:        payload.Name,
			SchedulerID: payload.SchedulerID,
			StartedAt:   config.Clock.Now(),
		})
		log.LogNoUploadID("stream started", "stream", payload.Name, "scheduler_id", payload.SchedulerID)
		writeJSON(w, http.StatusOK, hookResponse{Success: true})
	}
}

// StreamStop runs the pipeline against the file the RTMP recorder dropped for
// this stream, then deregisters it. The response is held until the primary
// rendition is playable, matching the upload endpoint.
func (d *IngestHandlersCollection) StreamStop() httprouter.Handle {
	schema := inputSchemasCompiled["StreamHook"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var payload StreamHookRequest
		if !decodeAndValidate(w, req, schema, &payload) {
			return
		}
		info := d.ActiveStreams.Get(payload.Name)
		d.ActiveStreams.Remove(payload.Name)

		sourcePath, err := d.findRecording(payload.Name)
		if err != nil {
			errors.WriteHTTPStorageUnavailable(w, "No recording found for stream", err)
			return
		}

		upload := &pipeline.Upload{
			StreamKey:   payload.Name,
			UploadID:    config.NewUploadID(),
			SchedulerID: firstNonEmpty(payload.SchedulerID, info.SchedulerID),
			SourcePath:  sourcePath,
		}
		if _, err := d.Pipeline.ProcessUpload(req.Context(), upload); err != nil {
			writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hookResponse{Success: true, Message: "Recording processed"})
	}
}

// NginxStreamStart is the nginx-hook variant: it registers the stream and
// announces the start on the outbound queue.
func (d *IngestHandlersCollection) NginxStreamStart() httprouter.Handle {
	schema := inputSchemasCompiled["NginxHook"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var payload NginxHookRequest
		if !decodeAndValidate(w, req, schema, &payload) {
			return
		}
		d.ActiveStreams.Store(payload.StreamID, StreamInfo{
			Name:      payload.StreamID,
			InputURL:  payload.InputURL,
			OutputURL: payload.OutputURL,
			StartedAt: config.Clock.Now(),
		})

		names := make([]string, len(video.RenditionLadder))
		for i, spec := range video.RenditionLadder {
			names[i] = spec.Name
		}
		msg := clients.StreamLifecycleMessage{
			StreamID:  payload.StreamID,
			InputURL:  payload.InputURL,
			OutputURL: payload.OutputURL,
			Variants:  names,
			Action:    "start",
		}
		if err := d.Queue.Publish(req.Context(), msg); err != nil {
			log.LogNoUploadID("error publishing stream start message", "stream", payload.StreamID, "err", err)
		}
		writeJSON(w, http.StatusOK, hookResponse{Success: true})
	}
}

// NginxStreamStop deregisters the stream, announces the stop, and processes
// the recording if one exists.
func (d *IngestHandlersCollection) NginxStreamStop() httprouter.Handle {
	schema := inputSchemasCompiled["NginxHook"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var payload NginxHookRequest
		if !decodeAndValidate(w, req, schema, &payload) {
			return
		}
		d.ActiveStreams.Remove(payload.StreamID)

		msg := clients.StreamLifecycleMessage{StreamID: payload.StreamID, Action: "stop"}
		if err := d.Queue.Publish(req.Context(), msg); err != nil {
			log.LogNoUploadID("error publishing stream stop message", "stream", payload.StreamID, "err", err)
		}

		if sourcePath, err := d.findRecording(payload.StreamID); err == nil {
			upload := &pipeline.Upload{
				StreamKey:  payload.StreamID,
				UploadID:   config.NewUploadID(),
				SourcePath: sourcePath,
			}
			if _, err := d.Pipeline.ProcessUpload(req.Context(), upload); err != nil {
				writePipelineError(w, err)
				return
			}
		} else {
			log.LogNoUploadID("no recording to process on stream stop", "stream", payload.StreamID)
		}
		writeJSON(w, http.StatusOK, hookResponse{Success: true})
	}
}

// findRecording locates the file the RTMP recorder wrote for a stream.
func (d *IngestHandlersCollection) findRecording(streamName string) (string, error) {
	candidates := []string{
		filepath.Join(d.Cli.RecordingDir, streamName+".flv"),
		filepath.Join(d.Cli.RecordingDir, streamName+".mp4"),
	}
	var lastErr error
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else {
			lastErr = err
		}
	}
	return "", lastErr
}

func decodeAndValidate(w http.ResponseWriter, req *http.Request, schema *gojsonschema.Schema, dest interface{}) bool {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
		return false
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid JSON payload", err)
		return false
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema("hook", w, result.Errors())
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
