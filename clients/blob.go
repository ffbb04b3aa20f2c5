package clients

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	"github.com/clipcast/ingest-api/config"
	apierrors "github.com/clipcast/ingest-api/errors"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
)

const (
	uploadAttemptTimeout = 5 * time.Second
	uploadMaxRetries     = 3
	uploadInitialBackoff = 500 * time.Millisecond
)

// BlobStore is the surface the pipeline needs from the blob storage layer.
type BlobStore interface {
	// UploadDirectory uploads every file in dir matching one of the patterns
	// under clips/<streamKey>/<uploadID>/<basename>.
	UploadDirectory(ctx context.Context, uploadID, dir string, patterns []string, streamKey string) error
	// UploadFileVerified uploads a single object with retries and confirms it
	// with a HEAD before returning its public URL.
	UploadFileVerified(ctx context.Context, uploadID, localPath, key, contentType string) (string, error)
	// HeadURL checks that a previously returned public URL still resolves to
	// an object in the store.
	HeadURL(ctx context.Context, publicURL string) error
	// PublicURL composes the CDN URL for an object key.
	PublicURL(key string) string
}

// The narrow slices of the aws-sdk surface we call, so tests can stub them.
type s3Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

type s3Header interface {
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
}

type S3Blob struct {
	bucket   string
	cdnBase  *url.URL
	uploader s3Uploader
	head     s3Header
}

func NewS3Blob(cli config.Cli) (*S3Blob, error) {
	sess, err := NewAWSSession(cli)
	if err != nil {
		return nil, err
	}
	return &S3Blob{
		bucket:   cli.S3Bucket,
		cdnBase:  cli.CDNBaseURL,
		uploader: s3manager.NewUploader(sess),
		head:     s3.New(sess),
	}, nil
}

// NewAWSSession builds the shared session used by the S3, DynamoDB and SQS
// clients. A custom endpoint (local stacks) forces path-style addressing.
func NewAWSSession(cli config.Cli) (*session.Session, error) {
	awsConfig := aws.NewConfig().WithRegion(cli.AWSRegion)
	if cli.AWSAccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(cli.AWSAccessKeyID, cli.AWSSecretAccessKey, ""))
	}
	if cli.AWSEndpoint != "" {
		awsConfig = awsConfig.WithEndpoint(cli.AWSEndpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	return sess, nil
}

func (b *S3Blob) UploadDirectory(ctx context.Context, uploadID, dir string, patterns []string, streamKey string) error {
	files, err := MatchFiles(dir, patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files in %s matched %v", dir, patterns)
	}
	for _, file := range files {
		basename := filepath.Base(file)
		key := config.ObjectKey(streamKey, uploadID, basename)
		if err := b.uploadOne(ctx, file, key, ContentTypeFor(basename)); err != nil {
			metrics.Metrics.BlobUploadFailureCount.WithLabelValues(objectKind(basename)).Inc()
			return fmt.Errorf("error uploading %s: %w", key, err)
		}
		log.Log(uploadID, "uploaded blob", "key", key)
	}
	return nil
}

func (b *S3Blob) UploadFileVerified(ctx context.Context, uploadID, localPath, key, contentType string) (string, error) {
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, uploadAttemptTimeout)
		defer cancel()
		err := b.uploadOne(attemptCtx, localPath, key, contentType)
		if apierrors.IsUnretriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = uploadInitialBackoff
	backOff.Multiplier = 2
	backOff.RandomizationFactor = 0
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, uploadMaxRetries)); err != nil {
		metrics.Metrics.BlobUploadFailureCount.WithLabelValues(objectKind(key)).Inc()
		return "", fmt.Errorf("error uploading %s: %w", key, err)
	}

	// the URL is only valid once a HEAD confirms the object is readable
	if err := b.headKey(ctx, key); err != nil {
		return "", fmt.Errorf("uploaded object %s failed HEAD verification: %w", key, err)
	}
	return b.PublicURL(key), nil
}

func (b *S3Blob) HeadURL(ctx context.Context, publicURL string) error {
	key, err := b.keyFromURL(publicURL)
	if err != nil {
		return err
	}
	return b.headKey(ctx, key)
}

func (b *S3Blob) PublicURL(key string) string {
	base := strings.TrimSuffix(b.cdnBase.String(), "/")
	return base + "/" + key
}

func (b *S3Blob) uploadOne(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		// a missing local file will not appear on retry
		return apierrors.Unretriable(err)
	}
	defer f.Close()
	_, err = b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	return err
}

func (b *S3Blob) headKey(ctx context.Context, key string) error {
	headCtx, cancel := context.WithTimeout(ctx, uploadAttemptTimeout)
	defer cancel()
	_, err := b.head.HeadObjectWithContext(headCtx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
		return apierrors.NewObjectNotFoundError("object "+key+" not found", err)
	}
	return err
}

func (b *S3Blob) keyFromURL(publicURL string) (string, error) {
	base := strings.TrimSuffix(b.cdnBase.String(), "/") + "/"
	if !strings.HasPrefix(publicURL, base) {
		return "", fmt.Errorf("url %s is not under the CDN base %s", publicURL, base)
	}
	return strings.TrimPrefix(publicURL, base), nil
}

// MatchFiles resolves exact names and * globs against dir, in pattern order.
func MatchFiles(dir string, patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %q: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	return files, nil
}

// ContentTypeFor picks the upload content type from the file extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	default:
		if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
			return byExt
		}
		return "application/octet-stream"
	}
}

func objectKind(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}
