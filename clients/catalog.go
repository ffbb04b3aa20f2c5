package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/clipcast/ingest-api/config"
	apierrors "github.com/clipcast/ingest-api/errors"
	"github.com/clipcast/ingest-api/log"
	"github.com/clipcast/ingest-api/metrics"
)

// ErrOwnershipUnresolved means no owner could be derived for a stream key,
// which is fatal for catalog registration.
var ErrOwnershipUnresolved = errors.New("ownership unresolved for stream key")

// How long we give the metadata table to converge for out-of-band readers
// before transcoding starts.
const metadataConvergenceWait = 2 * time.Second

// StreamKeyMapping is the pre-existing authoritative record for a stream key.
// Its fields win over anything the HTTP request asserted.
type StreamKeyMapping struct {
	StreamKey         string `dynamodbav:"streamKey"`
	OwnerEmail        string `dynamodbav:"ownerEmail"`
	CollaboratorEmail string `dynamodbav:"collaboratorEmail,omitempty"`
	IsCollaboratorKey bool   `dynamodbav:"isCollaboratorKey"`
	ChannelName       string `dynamodbav:"channelName,omitempty"`
	SeriesName        string `dynamodbav:"seriesName,omitempty"`
	CreatorID         string `dynamodbav:"creatorId,omitempty"`
}

type Account struct {
	Email             string `dynamodbav:"email"`
	ID                string `dynamodbav:"id"`
	PostAutomatically bool   `dynamodbav:"postAutomatically"`
}

type ChannelRecord struct {
	ChannelName string `dynamodbav:"channelName"`
	OwnerEmail  string `dynamodbav:"ownerEmail"`
}

type UploadMetadata struct {
	UploadID    string `dynamodbav:"uploadId"`
	Title       string `dynamodbav:"title,omitempty"`
	Description string `dynamodbav:"description,omitempty"`
	Price       string `dynamodbav:"price,omitempty"`
}

// CatalogEntry is the record the viewer app reads, keyed (ownerId, fileId).
type CatalogEntry struct {
	OwnerID             string `dynamodbav:"ownerId"`
	FileID              string `dynamodbav:"fileId"`
	UploadID            string `dynamodbav:"uploadId"`
	HLSURL              string `dynamodbav:"hlsUrl,omitempty"`
	ThumbnailURL        string `dynamodbav:"thumbnailUrl"`
	FolderName          string `dynamodbav:"folderName,omitempty"`
	CreatorID           string `dynamodbav:"creatorId,omitempty"`
	IsCollaboratorVideo bool   `dynamodbav:"isCollaboratorVideo"`
	IsVisible           bool   `dynamodbav:"isVisible"`
	Title               string `dynamodbav:"title,omitempty"`
	Description         string `dynamodbav:"description,omitempty"`
	Price               string `dynamodbav:"price,omitempty"`
	CreatedAt           int64  `dynamodbav:"createdAt"`
	UpdatedAt           int64  `dynamodbav:"updatedAt"`
}

// EpisodeEntry lives in the catalog table under sort key
// EPISODE#<streamKey>#<n>.
type EpisodeEntry struct {
	OwnerID       string  `dynamodbav:"ownerId"`
	FileID        string  `dynamodbav:"fileId"`
	StreamKey     string  `dynamodbav:"streamKey"`
	EpisodeNumber int     `dynamodbav:"episodeNumber"`
	Title         string  `dynamodbav:"title"`
	Description   string  `dynamodbav:"description,omitempty"`
	HLSURL        string  `dynamodbav:"hlsUrl"`
	ThumbnailURL  string  `dynamodbav:"thumbnailUrl"`
	StartTime     float64 `dynamodbav:"startTime"`
	EndTime       float64 `dynamodbav:"endTime"`
	Duration      float64 `dynamodbav:"duration"`
	ChannelName   string  `dynamodbav:"channelName,omitempty"`
	CreatedAt     int64   `dynamodbav:"createdAt"`
	EditedBy      string  `dynamodbav:"editedBy,omitempty"`
	EditedAt      int64   `dynamodbav:"editedAt,omitempty"`
}

func EpisodeFileID(streamKey string, episodeNumber int) string {
	return fmt.Sprintf("EPISODE#%s#%d", streamKey, episodeNumber)
}

// RegisterAssetParams carries everything the pipeline knows about an upload
// at registration time. Optional fields may be empty; the merge semantics in
// mergeCatalogEntry make repeated calls converge.
type RegisterAssetParams struct {
	StreamKey           string
	UploadID            string
	RenditionPrefix     string
	RequesterEmail      string
	ChannelNameAdvisory string
	ThumbnailURL        string
	HLSURL              string
}

// The slice of the DynamoDB API we call. *dynamodb.DynamoDB satisfies it and
// tests stub it.
type dynamoAPI interface {
	GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error)
	QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error)
}

type headVerifier interface {
	HeadURL(ctx context.Context, publicURL string) error
}

// CatalogStore talks to the catalog, stream-key, channel, account and upload
// metadata tables.
type CatalogStore struct {
	db   dynamoAPI
	head headVerifier

	catalogTable        string
	streamKeysTable     string
	channelsTable       string
	uploadMetadataTable string
	accountsTable       string

	masterAccountID     string
	defaultThumbnailURL string

	// swapped out in tests so the convergence wait doesn't slow them down
	wait func(time.Duration)
}

func NewCatalogStore(cli config.Cli, sess *session.Session, head headVerifier) *CatalogStore {
	return &CatalogStore{
		db:                  dynamodb.New(sess),
		head:                head,
		catalogTable:        cli.CatalogTable,
		streamKeysTable:     cli.StreamKeysTable,
		channelsTable:       cli.ChannelsTable,
		uploadMetadataTable: cli.UploadMetadataTable,
		accountsTable:       cli.AccountsTable,
		masterAccountID:     cli.MasterAccountID,
		defaultThumbnailURL: cli.DefaultThumbnailURL,
		wait:                time.Sleep,
	}
}

// RegisterAsset writes or converges the catalog entry for an upload. It is
// safe to call repeatedly: fields set by an earlier call are never replaced
// with weaker values.
func (s *CatalogStore) RegisterAsset(ctx context.Context, p RegisterAssetParams) (CatalogEntry, error) {
	fileID := "file-" + p.UploadID

	mapping, err := s.GetStreamKeyMapping(ctx, p.StreamKey)
	if err != nil {
		metrics.Metrics.CatalogWriteCount.WithLabelValues("ownership_unresolved").Inc()
		return CatalogEntry{}, fmt.Errorf("%w: %s", ErrOwnershipUnresolved, err)
	}

	ownerEmail, err := s.resolveOwnerEmail(ctx, mapping, p.RequesterEmail, p.ChannelNameAdvisory)
	if err != nil {
		metrics.Metrics.CatalogWriteCount.WithLabelValues("ownership_unresolved").Inc()
		return CatalogEntry{}, err
	}

	channelName := mapping.ChannelName
	if channelName == "" {
		channelName = p.ChannelNameAdvisory
	}

	// best-effort reads: a missing account or metadata row must not fail the
	// registration
	account, accErr := s.GetAccount(ctx, ownerEmail)
	if accErr != nil {
		log.Log(p.UploadID, "no account record for owner, proceeding without", "owner_email", ownerEmail, "err", accErr)
	}
	md, mdErr := s.GetUploadMetadata(ctx, p.UploadID)
	if mdErr != nil {
		log.Log(p.UploadID, "no upload metadata, proceeding without", "err", mdErr)
	}

	thumbnailURL := s.resolveThumbnailURL(ctx, p.UploadID, p.ThumbnailURL)

	creatorID := mapping.CreatorID
	if creatorID == "" {
		creatorID = account.ID
	}

	incoming := CatalogEntry{
		OwnerID:             s.masterAccountID,
		FileID:              fileID,
		UploadID:            p.UploadID,
		HLSURL:              p.HLSURL,
		ThumbnailURL:        thumbnailURL,
		FolderName:          channelName,
		CreatorID:           creatorID,
		IsCollaboratorVideo: mapping.IsCollaboratorKey,
		IsVisible:           account.PostAutomatically && thumbnailURL != "",
		Title:               md.Title,
		Description:         md.Description,
		Price:               md.Price,
		CreatedAt:           config.Clock.GetTimestampUTC(),
		UpdatedAt:           config.Clock.GetTimestampUTC(),
	}

	existing, err := s.getCatalogEntry(ctx, s.masterAccountID, fileID)
	if err != nil {
		metrics.Metrics.CatalogWriteCount.WithLabelValues("failure").Inc()
		return CatalogEntry{}, fmt.Errorf("error reading catalog entry %s: %w", fileID, err)
	}
	merged := mergeCatalogEntry(existing, incoming, s.defaultThumbnailURL)

	if err := s.putItem(ctx, s.catalogTable, merged); err != nil {
		metrics.Metrics.CatalogWriteCount.WithLabelValues("failure").Inc()
		return CatalogEntry{}, fmt.Errorf("error writing catalog entry %s: %w", fileID, err)
	}
	metrics.Metrics.CatalogWriteCount.WithLabelValues("success").Inc()
	log.Log(p.UploadID, "catalog entry written", "file_id", fileID, "owner_id", merged.OwnerID, "visible", merged.IsVisible)
	return merged, nil
}

// resolveOwnerEmail implements the ownership ladder: collaborator key wins,
// then the mapping's owner, then the requester, then the channel table.
func (s *CatalogStore) resolveOwnerEmail(ctx context.Context, mapping StreamKeyMapping, requesterEmail, channelAdvisory string) (string, error) {
	if mapping.IsCollaboratorKey && mapping.CollaboratorEmail != "" {
		return mapping.CollaboratorEmail, nil
	}
	if mapping.OwnerEmail != "" {
		return mapping.OwnerEmail, nil
	}
	if requesterEmail != "" {
		return requesterEmail, nil
	}
	if channelAdvisory != "" {
		channel, err := s.getChannel(ctx, channelAdvisory)
		if err == nil && channel.OwnerEmail != "" {
			return channel.OwnerEmail, nil
		}
	}
	return "", fmt.Errorf("%w: no owner, requester or channel owner found", ErrOwnershipUnresolved)
}

// resolveThumbnailURL returns a URL that is guaranteed to serve: the caller's
// HEAD-verified URL, or the platform default placeholder.
func (s *CatalogStore) resolveThumbnailURL(ctx context.Context, uploadID, candidate string) string {
	if candidate == "" || candidate == s.defaultThumbnailURL {
		return s.defaultThumbnailURL
	}
	if err := s.head.HeadURL(ctx, candidate); err != nil {
		if apierrors.IsObjectNotFound(err) {
			log.Log(uploadID, "thumbnail object missing, substituting default", "url", candidate)
		} else {
			log.Log(uploadID, "thumbnail URL failed HEAD check, substituting default", "url", candidate, "err", err)
		}
		return s.defaultThumbnailURL
	}
	return candidate
}

// mergeCatalogEntry applies the per-field update semantics: thumbnails only
// improve (a placeholder never replaces a real URL), the HLS URL and
// title/description/price fill empty fields, flags and creator identity are
// overwritten with the freshest values.
func mergeCatalogEntry(existing *CatalogEntry, in CatalogEntry, defaultThumbnailURL string) CatalogEntry {
	if existing == nil {
		return in
	}
	out := *existing
	if in.ThumbnailURL != "" {
		existingIsReal := out.ThumbnailURL != "" && out.ThumbnailURL != defaultThumbnailURL
		incomingIsReal := in.ThumbnailURL != defaultThumbnailURL
		if incomingIsReal || !existingIsReal {
			out.ThumbnailURL = in.ThumbnailURL
		}
	}
	if out.HLSURL == "" {
		out.HLSURL = in.HLSURL
	}
	if out.Title == "" {
		out.Title = in.Title
	}
	if out.Description == "" {
		out.Description = in.Description
	}
	if out.Price == "" {
		out.Price = in.Price
	}
	if in.FolderName != "" {
		out.FolderName = in.FolderName
	}
	if in.CreatorID != "" {
		out.CreatorID = in.CreatorID
	}
	out.IsCollaboratorVideo = in.IsCollaboratorVideo
	out.IsVisible = in.IsVisible
	out.UpdatedAt = in.UpdatedAt
	return out
}

func (s *CatalogStore) GetStreamKeyMapping(ctx context.Context, streamKey string) (StreamKeyMapping, error) {
	var mapping StreamKeyMapping
	found, err := s.getItem(ctx, s.streamKeysTable, map[string]string{"streamKey": streamKey}, &mapping)
	if err != nil {
		return StreamKeyMapping{}, fmt.Errorf("error reading stream key mapping %s: %w", streamKey, err)
	}
	if !found {
		return StreamKeyMapping{}, fmt.Errorf("no stream key mapping for %s", streamKey)
	}
	return mapping, nil
}

func (s *CatalogStore) GetAccount(ctx context.Context, email string) (Account, error) {
	var account Account
	found, err := s.getItem(ctx, s.accountsTable, map[string]string{"email": email}, &account)
	if err != nil {
		return Account{}, err
	}
	if !found {
		return Account{}, fmt.Errorf("no account for %s", email)
	}
	return account, nil
}

func (s *CatalogStore) getChannel(ctx context.Context, channelName string) (ChannelRecord, error) {
	var channel ChannelRecord
	found, err := s.getItem(ctx, s.channelsTable, map[string]string{"channelName": channelName}, &channel)
	if err != nil {
		return ChannelRecord{}, err
	}
	if !found {
		return ChannelRecord{}, fmt.Errorf("no channel record for %s", channelName)
	}
	return channel, nil
}

// PutUploadMetadata persists the per-upload title/description/price before any
// transcode work, then pauses for the store's eventual-consistency window so
// out-of-band consumers of blob events can read it.
func (s *CatalogStore) PutUploadMetadata(ctx context.Context, md UploadMetadata) error {
	if err := s.putItem(ctx, s.uploadMetadataTable, md); err != nil {
		return fmt.Errorf("error writing upload metadata %s: %w", md.UploadID, err)
	}
	s.wait(metadataConvergenceWait)
	return nil
}

func (s *CatalogStore) GetUploadMetadata(ctx context.Context, uploadID string) (UploadMetadata, error) {
	var md UploadMetadata
	found, err := s.getItem(ctx, s.uploadMetadataTable, map[string]string{"uploadId": uploadID}, &md)
	if err != nil {
		return UploadMetadata{}, err
	}
	if !found {
		return UploadMetadata{}, fmt.Errorf("no upload metadata for %s", uploadID)
	}
	return md, nil
}

func (s *CatalogStore) PutEpisode(ctx context.Context, e EpisodeEntry) error {
	e.OwnerID = s.masterAccountID
	e.FileID = EpisodeFileID(e.StreamKey, e.EpisodeNumber)
	if e.CreatedAt == 0 {
		e.CreatedAt = config.Clock.GetTimestampUTC()
	}
	if err := s.putItem(ctx, s.catalogTable, e); err != nil {
		return fmt.Errorf("error writing episode %s: %w", e.FileID, err)
	}
	return nil
}

func (s *CatalogStore) GetEpisode(ctx context.Context, streamKey string, episodeNumber int) (EpisodeEntry, error) {
	var episode EpisodeEntry
	found, err := s.getItem(ctx, s.catalogTable, map[string]string{
		"ownerId": s.masterAccountID,
		"fileId":  EpisodeFileID(streamKey, episodeNumber),
	}, &episode)
	if err != nil {
		return EpisodeEntry{}, err
	}
	if !found {
		return EpisodeEntry{}, fmt.Errorf("no episode %d for stream %s", episodeNumber, streamKey)
	}
	return episode, nil
}

// UpdateEpisode edits the human-facing fields of an existing episode.
func (s *CatalogStore) UpdateEpisode(ctx context.Context, streamKey string, episodeNumber int, title, description, editedBy string) (EpisodeEntry, error) {
	episode, err := s.GetEpisode(ctx, streamKey, episodeNumber)
	if err != nil {
		return EpisodeEntry{}, err
	}
	if title != "" {
		episode.Title = title
	}
	if description != "" {
		episode.Description = description
	}
	episode.EditedBy = editedBy
	episode.EditedAt = config.Clock.GetTimestampUTC()
	if err := s.putItem(ctx, s.catalogTable, episode); err != nil {
		return EpisodeEntry{}, fmt.Errorf("error updating episode %s: %w", episode.FileID, err)
	}
	return episode, nil
}

func (s *CatalogStore) ListEpisodes(ctx context.Context, streamKey string) ([]EpisodeEntry, error) {
	out, err := s.db.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.catalogTable),
		KeyConditionExpression: aws.String("ownerId = :owner AND begins_with(fileId, :prefix)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner":  {S: aws.String(s.masterAccountID)},
			":prefix": {S: aws.String(fmt.Sprintf("EPISODE#%s#", streamKey))},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error listing episodes for %s: %w", streamKey, err)
	}
	episodes := make([]EpisodeEntry, 0, len(out.Items))
	for _, item := range out.Items {
		var episode EpisodeEntry
		if err := dynamodbattribute.UnmarshalMap(item, &episode); err != nil {
			return nil, fmt.Errorf("error unmarshalling episode: %w", err)
		}
		episodes = append(episodes, episode)
	}
	return episodes, nil
}

func (s *CatalogStore) getCatalogEntry(ctx context.Context, ownerID, fileID string) (*CatalogEntry, error) {
	var entry CatalogEntry
	found, err := s.getItem(ctx, s.catalogTable, map[string]string{"ownerId": ownerID, "fileId": fileID}, &entry)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

func (s *CatalogStore) getItem(ctx context.Context, table string, key map[string]string, dest interface{}) (bool, error) {
	dynamoKey := make(map[string]*dynamodb.AttributeValue, len(key))
	for k, v := range key {
		dynamoKey[k] = &dynamodb.AttributeValue{S: aws.String(v)}
	}
	out, err := s.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       dynamoKey,
	})
	if err != nil {
		return false, err
	}
	if len(out.Item) == 0 {
		return false, nil
	}
	return true, dynamodbattribute.UnmarshalMap(out.Item, dest)
}

func (s *CatalogStore) putItem(ctx context.Context, table string, item interface{}) error {
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return err
	}
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	return err
}
