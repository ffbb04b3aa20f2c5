package pipeline

import (
	"time"

	"github.com/clipcast/ingest-api/video"
)

// Upload is the unit of work: one ingested video. It flows by reference
// through every pipeline step, and fields are filled in as they are computed.
// Nothing about an upload lives in process-global state.
type Upload struct {
	StreamKey   string
	UploadID    string
	UserEmail   string
	ChannelName string
	SchedulerID string

	Title       string
	Description string
	Price       string

	// SourcePath is the raw bytes on local disk, uniquely named per upload.
	SourcePath string
	// Prefix is <streamKey>_<uploadId>, shared by every artifact.
	Prefix string

	Source       video.SourceInfo
	ThumbnailURL string
	CreatedAt    time.Time

	// result of the early thumbnail pass, consumed before catalog
	// registration; carried here so queued uploads can resume with it
	thumbCh chan string
}

// Result is what the HTTP layer reports back to the uploader.
type Result struct {
	// Queued means the upload was deferred by admission control and will be
	// processed when capacity frees.
	Queued    bool
	MasterURL string
}
