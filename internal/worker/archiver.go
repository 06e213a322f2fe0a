package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loopcast/backend/internal/streams"
	"github.com/loopcast/backend/pkg/queue"
	"github.com/loopcast/backend/pkg/storage"
)

// Archiver processes archive jobs: upload a finished broadcast's HLS output to
// S3 and record the playlist URL on the stream row.
type Archiver struct {
	repo   *streams.Repository
	s3     *storage.S3
	queue  *queue.Queue
	hlsDir string
	logger *zap.Logger
}

// NewArchiver creates a broadcast archiver.
func NewArchiver(repo *streams.Repository, s3 *storage.S3, q *queue.Queue, hlsDir string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{repo: repo, s3: s3, queue: q, hlsDir: hlsDir, logger: logger}
}

// Process executes one archive job.
func (a *Archiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	stream, err := a.repo.GetByID(ctx, payload.StreamID)
	if err != nil || stream == nil {
		return fmt.Errorf("stream not found: %s", payload.StreamID)
	}
	if stream.RecordingURL != nil {
		a.logger.Info("stream already archived", zap.String("stream_id", stream.ID.String()))
		return nil
	}

	entries, err := os.ReadDir(a.hlsDir)
	if err != nil {
		return fmt.Errorf("read hls dir: %w", err)
	}

	var playlistURL string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".m3u8" && ext != ".ts" {
			continue
		}

		f, err := os.Open(filepath.Join(a.hlsDir, name))
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		key := storage.RecordingKey(stream.ID.String(), name)
		url, err := a.s3.Upload(ctx, a.s3.RecordingsBucket(), key, storage.ContentTypeForHLSFile(name), f)
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		if ext == ".m3u8" {
			playlistURL = url
		}
	}

	if playlistURL == "" {
		return fmt.Errorf("no playlist found in %s", a.hlsDir)
	}

	if err := a.repo.SetRecordingURL(ctx, stream.ID, playlistURL); err != nil {
		return fmt.Errorf("update recording url: %w", err)
	}
	a.logger.Info("broadcast archived", zap.String("stream_id", stream.ID.String()), zap.String("playlist", playlistURL))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := a.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		a.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := a.Process(ctx, job); err != nil {
			a.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := a.queue.Retry(ctx, job); reErr != nil {
				a.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
