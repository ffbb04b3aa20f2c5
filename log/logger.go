package log

import (
	"io"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

// Swappable so that tests can capture log output
var logDestination io.Writer = os.Stderr

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// Permanently add context to the logger. Any future logging for this upload ID will include this context
func AddContext(uploadID string, keyvals ...interface{}) {
	loggerCache.Set(uploadID, kitlog.With(getLogger(uploadID), keyvals...), defaultLoggerCacheExpiry)
}

func Log(uploadID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(uploadID), "msg", message).Log(keyvals...)
}

// Log in situations where we don't have access to the upload ID.
// Should be used sparingly and with as much context inserted into the message as possible
func LogNoUploadID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func LogError(uploadID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(uploadID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(keyvals...)
}

func getLogger(uploadID string) kitlog.Logger {
	logger, found := loggerCache.Get(uploadID)
	if found {
		return logger.(kitlog.Logger)
	}

	newLogger := kitlog.With(newLogger(), "upload_id", uploadID)
	err := loggerCache.Add(uploadID, newLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = newLogger.Log("msg", "error adding logger to cache", "upload_id", uploadID)
	}
	return newLogger
}

func newLogger() kitlog.Logger {
	newLogger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(logDestination))
	return kitlog.With(newLogger, "ts", kitlog.DefaultTimestampUTC)
}

var _ retryablehttp.LeveledLogger = retryableHTTPLogger{}

// retryableHTTPLogger routes retryablehttp's chatter through our logger at
// high glog verbosity so it stays quiet by default.
type retryableHTTPLogger struct {
}

func NewRetryableHTTPLogger() retryablehttp.LeveledLogger {
	return retryableHTTPLogger{}
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	if glog.V(3) {
		LogNoUploadID(msg, keysAndValues...)
	}
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	if glog.V(4) {
		LogNoUploadID(msg, keysAndValues...)
	}
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	if glog.V(5) {
		LogNoUploadID(msg, keysAndValues...)
	}
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	if glog.V(6) {
		LogNoUploadID(msg, keysAndValues...)
	}
}
