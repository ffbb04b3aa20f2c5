package config

import (
	"os"

	"github.com/go-kit/log"
)

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// How long a single ffmpeg transcode invocation may run before it is killed
const TranscodeTimeoutMinutes = 30

// Fraction of host CPUs handed to each ffmpeg invocation
const TranscodeCPUFraction = 0.95

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}
