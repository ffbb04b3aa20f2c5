package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogIncludesUploadID(t *testing.T) {
	var b bytes.Buffer
	original := logDestination
	logDestination = &b
	defer func() { logDestination = original }()

	Log("upload-123-abc", "uploading thumbnail", "bucket", "clips")

	result := toMap(&b)
	require.Len(t, result, 1)
	line := result[0]
	require.Equal(t, "upload-123-abc", line["upload_id"])
	require.Equal(t, "uploading thumbnail", line["msg"])
	require.Equal(t, "clips", line["bucket"])
	require.NotEmpty(t, line["ts"])
}

func TestAddContextPersists(t *testing.T) {
	var b bytes.Buffer
	original := logDestination
	logDestination = &b
	defer func() { logDestination = original }()

	AddContext("upload-456-def", "stream_key", "sk_A")
	Log("upload-456-def", "first")
	Log("upload-456-def", "second")

	result := toMap(&b)
	require.Len(t, result, 2)
	for _, line := range result {
		require.Equal(t, "sk_A", line["stream_key"])
		require.Equal(t, "upload-456-def", line["upload_id"])
	}
}

func TestLogErrorIncludesErr(t *testing.T) {
	var b bytes.Buffer
	original := logDestination
	logDestination = &b
	defer func() { logDestination = original }()

	LogError("upload-789-ghi", "transcode failed", errors.New("exit status 1"))

	result := toMap(&b)
	require.Len(t, result, 1)
	require.Equal(t, "exit status 1", result[0]["err"])
	require.Equal(t, "transcode failed", result[0]["msg"])
}
