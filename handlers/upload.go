package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/errors"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/clipcast/ingest-api/pipeline"
	"github.com/julienschmidt/httprouter"
)

// Multipart form parts other than the video stay in memory up to this size.
const multipartMemoryLimit = 32 << 20

var allowedVideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
}

var allowedVideoContentTypes = map[string]bool{
	"video/mp4":                true,
	"video/quicktime":          true,
	"video/x-msvideo":          true,
	"video/avi":                true,
	"application/octet-stream": true,
}

type UploadVideoResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	StreamKey string `json:"streamKey"`
}

// UploadVideo is the primary ingress: a multipart video upload. It responds
// once the pipeline has a playable primary rendition and a catalog entry;
// the remaining renditions continue after the response.
func (d *IngestHandlersCollection) UploadVideo() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		metrics.Metrics.UploadRequestCount.Inc()

		req.Body = http.MaxBytesReader(w, req.Body, d.Cli.MaxUploadBytes+multipartMemoryLimit)
		if err := req.ParseMultipartForm(multipartMemoryLimit); err != nil {
			observeUpload(start, http.StatusBadRequest)
			errors.WriteHTTPBadRequest(w, "Could not parse multipart body", err)
			return
		}

		file, header, err := req.FormFile("video")
		if err != nil {
			observeUpload(start, http.StatusBadRequest)
			errors.WriteHTTPBadRequest(w, "Missing video file field", err)
			return
		}
		defer file.Close()

		if header.Size > d.Cli.MaxUploadBytes {
			observeUpload(start, http.StatusBadRequest)
			errors.WriteHTTPBadRequest(w, fmt.Sprintf("Video exceeds the %d byte limit", d.Cli.MaxUploadBytes), nil)
			return
		}
		if !allowedVideoUpload(header) {
			observeUpload(start, http.StatusBadRequest)
			errors.WriteHTTPBadRequest(w, "Unsupported video type, expected MP4, MOV or AVI", nil)
			return
		}

		streamKey := req.FormValue("streamKey")
		channelName := req.FormValue("channelName")
		userEmail := req.FormValue("userEmail")
		if missing := missingFields(map[string]string{
			"streamKey":   streamKey,
			"channelName": channelName,
			"userEmail":   userEmail,
		}); len(missing) > 0 {
			observeUpload(start, http.StatusBadRequest)
			errors.WriteHTTPBadRequest(w, "Missing required fields: "+strings.Join(missing, ", "), nil)
			return
		}

		uploadID := req.FormValue("uploadId")
		if uploadID == "" {
			uploadID = config.NewUploadID()
		}

		sourcePath, err := d.persistSource(streamKey, uploadID, header.Filename, file)
		if err != nil {
			observeUpload(start, http.StatusInternalServerError)
			errors.WriteHTTPStorageUnavailable(w, "Could not persist uploaded video", err)
			return
		}

		upload := &pipeline.Upload{
			StreamKey:   streamKey,
			UploadID:    uploadID,
			UserEmail:   userEmail,
			ChannelName: channelName,
			Title:       req.FormValue("title"),
			Description: req.FormValue("description"),
			Price:       req.FormValue("price"),
			SourcePath:  sourcePath,
		}

		result, err := d.Pipeline.ProcessUpload(req.Context(), upload)
		if err != nil {
			observeUpload(start, http.StatusInternalServerError)
			writePipelineError(w, err)
			return
		}

		message := "Video processed, all renditions will be available shortly"
		if result.Queued {
			message = "Server is busy, video queued for processing"
		}
		observeUpload(start, http.StatusOK)
		writeJSON(w, http.StatusOK, UploadVideoResponse{
			Success:   true,
			Message:   message,
			StreamKey: streamKey,
		})
	}
}

// persistSource writes the uploaded bytes to a uniquely named file in the
// recording directory, falling back to the system temp dir when it is not
// writable.
func (d *IngestHandlersCollection) persistSource(streamKey, uploadID, originalName string, file multipart.File) (string, error) {
	dir := d.Cli.RecordingDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Log(uploadID, "recording dir unwritable, falling back to temp", "dir", dir, "err", err)
		dir = os.TempDir()
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedVideoExtensions[ext] {
		ext = ".mp4"
	}
	sourcePath := filepath.Join(dir, config.UploadPrefix(streamKey, uploadID)+"_source"+ext)

	out, err := os.Create(sourcePath)
	if err != nil {
		// second chance in the temp dir before giving up
		if dir != os.TempDir() {
			sourcePath = filepath.Join(os.TempDir(), filepath.Base(sourcePath))
			out, err = os.Create(sourcePath)
		}
		if err != nil {
			return "", fmt.Errorf("error creating source file: %w", err)
		}
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		os.Remove(sourcePath)
		return "", fmt.Errorf("error writing source file: %w", err)
	}
	return sourcePath, nil
}

func allowedVideoUpload(header *multipart.FileHeader) bool {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedVideoExtensions[ext] {
		return false
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		return true
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	return allowedVideoContentTypes[strings.ToLower(contentType)]
}

func missingFields(fields map[string]string) []string {
	var missing []string
	for _, name := range []string{"streamKey", "channelName", "userEmail"} {
		if fields[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func writePipelineError(w http.ResponseWriter, err error) {
	switch errors.Kind(err) {
	case errors.KindTranscodeFailed:
		errors.WriteHTTPTranscodeFailed(w, "Video processing failed", err)
	case errors.KindOwnershipUnresolved:
		errors.WriteHTTPOwnershipUnresolved(w, "Could not resolve an owner for this stream key", err)
	case errors.KindCatalogWriteFailed:
		errors.WriteHTTPCatalogWriteFailed(w, "Could not register the video", err)
	case errors.KindStorageUnavailable:
		errors.WriteHTTPStorageUnavailable(w, "Storage unavailable", err)
	default:
		errors.WriteHTTPInternalServerError(w, "Video processing failed", err)
	}
}

func observeUpload(start time.Time, status int) {
	metrics.Metrics.UploadRequestDurationSec.
		WithLabelValues(strconv.FormatBool(status == http.StatusOK), strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}
