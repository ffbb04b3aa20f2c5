package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clipcast/ingest-api/config"
)

// StatsSink writes one row per finished upload into Postgres for offline
// analysis. A nil sink disables it.
type StatsSink struct {
	db *sql.DB
}

func NewStatsSink(connectionString string) (*StatsSink, error) {
	if connectionString == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("error opening stats database: %w", err)
	}
	return &StatsSink{db: db}, nil
}

func NewStatsSinkWithDB(db *sql.DB) *StatsSink {
	return &StatsSink{db: db}
}

func (s *StatsSink) RecordUpload(ctx context.Context, u *Upload, backgroundDuration time.Duration, success bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_stats (upload_id, stream_key, duration_secs, portrait, has_audio, background_secs, success, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.UploadID,
		u.StreamKey,
		u.Source.Duration,
		u.Source.IsPortrait(),
		u.Source.HasAudio,
		backgroundDuration.Seconds(),
		success,
		config.Clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("error inserting upload stats: %w", err)
	}
	return nil
}
