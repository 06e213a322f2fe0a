package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loopcast/backend/internal/models"
)

// Repository handles broadcast record persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const streamColumns = `id, title, video_id, hls_url, start_time, end_time, finished, recording_url, created_at, updated_at`

func scanStream(row pgx.Row) (*models.Stream, error) {
	var s models.Stream
	err := row.Scan(&s.ID, &s.Title, &s.VideoID, &s.HLSURL, &s.StartTime, &s.EndTime, &s.Finished, &s.RecordingURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new live broadcast record.
func (r *Repository) Create(ctx context.Context, videoID, hlsURL string) (*models.Stream, error) {
	const q = `INSERT INTO streams (id, title, video_id, hls_url, start_time, finished)
		VALUES (gen_random_uuid(), $1, $2, $3, NOW(), false)
		RETURNING ` + streamColumns
	title := fmt.Sprintf("Live Stream - %s", videoID)
	return scanStream(r.pool.QueryRow(ctx, q, title, videoID, hlsURL))
}

// GetByID returns one broadcast record, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	const q = `SELECT ` + streamColumns + ` FROM streams WHERE id = $1`
	s, err := scanStream(r.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// Finish marks a broadcast as ended.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	const q = `UPDATE streams SET end_time = $1, finished = true, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, endedAt, id)
	return err
}

// GetLastFinished returns the most recent finished broadcast, or nil when none exists.
func (r *Repository) GetLastFinished(ctx context.Context) (*models.Stream, error) {
	const q = `SELECT ` + streamColumns + ` FROM streams WHERE finished = true ORDER BY end_time DESC LIMIT 1`
	s, err := scanStream(r.pool.QueryRow(ctx, q))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// SetRecordingURL stores the archived recording location for a finished broadcast.
func (r *Repository) SetRecordingURL(ctx context.Context, id uuid.UUID, url string) error {
	const q = `UPDATE streams SET recording_url = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, url, id)
	return err
}
