package errors

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clipcast/ingest-api/log"
	"github.com/xeipuuv/gojsonschema"
)

// Error kinds surfaced in the JSON body. The first group can reach the HTTP
// caller; the second group is background-only and used as log labels.
const (
	KindBadRequest          = "BadRequest"
	KindStorageUnavailable  = "StorageUnavailable"
	KindTranscodeFailed     = "TranscodeFailed"
	KindOwnershipUnresolved = "OwnershipUnresolved"
	KindCatalogWriteFailed  = "CatalogWriteFailed"
	KindForbidden           = "Forbidden"
	KindInternalError       = "InternalError"

	KindSecondaryTranscodeFailed = "SecondaryTranscodeFailed"
	KindMasterRewriteFailed      = "MasterRewriteFailed"
	KindEpisodeJobFailed         = "EpisodeJobFailed"
	KindThumbnailFailed          = "ThumbnailFailed"
)

type apiError struct {
	Kind   string `json:"error"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	Err    error  `json:"-"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeHttpError(w http.ResponseWriter, kind, msg string, status int, err error) apiError {
	detail := msg
	if err != nil {
		detail = msg + ": " + err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorBody{Success: false, Error: kind, Message: detail}); encErr != nil {
		log.LogNoUploadID("error writing HTTP error", "http_error_msg", msg, "error", encErr)
	}

	return apiError{kind, msg, status, err}
}

// HTTP Errors
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindBadRequest, msg, http.StatusBadRequest, err)
}

func WriteHTTPStorageUnavailable(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindStorageUnavailable, msg, http.StatusInternalServerError, err)
}

func WriteHTTPTranscodeFailed(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindTranscodeFailed, msg, http.StatusInternalServerError, err)
}

func WriteHTTPOwnershipUnresolved(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindOwnershipUnresolved, msg, http.StatusInternalServerError, err)
}

func WriteHTTPCatalogWriteFailed(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindCatalogWriteFailed, msg, http.StatusInternalServerError, err)
}

func WriteHTTPForbidden(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindForbidden, msg, http.StatusForbidden, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, KindInternalError, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) apiError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, KindBadRequest, sb.String(), http.StatusBadRequest, nil)
}
