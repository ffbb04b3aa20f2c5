/*
Package log provides upload-scoped structured logging, plus Context carrying of
logging metadata for code paths that only have a context.Context.
*/
package log

import (
	"context"
)

// unique type to prevent assignment.
type logContextKeyType struct{}

// singleton value to identify our logging metadata in context
var logContextKey = logContextKeyType{}

// basic type to represent logging container. logging context is immutable after
// creation, so we don't have to worry about locking.
type metadata map[string]any

func (m metadata) Flat() []any {
	out := []any{}
	for k, v := range m {
		out = append(out, k)
		out = append(out, v)
	}
	return out
}

// Return a new context, adding in the provided values to the logging metadata
func WithLogValues(ctx context.Context, args ...string) context.Context {
	oldMetadata, _ := ctx.Value(logContextKey).(metadata)
	// No previous logging found, set up a new map
	if oldMetadata == nil {
		oldMetadata = metadata{}
	}
	var newMetadata = metadata{}
	for k, v := range oldMetadata {
		newMetadata[k] = v
	}
	for i := range args {
		if i%2 == 0 {
			continue
		}
		newMetadata[args[i-1]] = args[i]
	}
	return context.WithValue(ctx, logContextKey, newMetadata)
}

func LogCtx(ctx context.Context, message string, args ...any) {
	var uploadID string
	meta, _ := ctx.Value(logContextKey).(metadata)
	if meta != nil {
		uploadID, _ = meta["upload_id"].(string)
	}
	allArgs := append([]any{}, meta.Flat()...)
	allArgs = append(allArgs, args...)
	if uploadID == "" {
		LogNoUploadID(message, allArgs...)
	} else {
		Log(uploadID, message, allArgs...)
	}
}
