package streams

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/loopcast/backend/internal/realtime"
	"github.com/loopcast/backend/pkg/queue"
	"github.com/loopcast/backend/pkg/response"
	"github.com/loopcast/backend/pkg/storage"
)

// Relay controls the media ingest pipeline for the current broadcast.
type Relay interface {
	Start(ctx context.Context, videoID string) error
	Stop()
}

// StartRequest is the body for POST /api/streams/start.
type StartRequest struct {
	VideoID string `json:"video_id" binding:"required"`
}

// Handler exposes the broadcast-control HTTP surface. It is the collaborator
// that installs new broadcast state and triggers the eager STREAM_START fan-out.
type Handler struct {
	repo       *Repository
	cache      *realtime.StateCache
	registry   *realtime.Registry
	dispatcher *realtime.Dispatcher
	relay      Relay
	queue      *queue.Queue
	s3         *storage.S3
	logger     *zap.Logger
}

// NewHandler creates the streams handler. s3 may be nil when archival is disabled.
func NewHandler(repo *Repository, cache *realtime.StateCache, registry *realtime.Registry, dispatcher *realtime.Dispatcher, relay Relay, q *queue.Queue, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		registry:   registry,
		dispatcher: dispatcher,
		relay:      relay,
		queue:      q,
		s3:         s3,
		logger:     logger,
	}
}

// Current handles GET /api/live/current. The response shape is what players
// already consume: 200 with the live snapshot, or 206 with the last finished
// broadcast when nothing is running.
func (h *Handler) Current(c *gin.Context) {
	stream, ok := h.cache.Get()
	if !ok {
		last, err := h.repo.GetLastFinished(c.Request.Context())
		if err != nil {
			h.logger.Error("load last finished stream", zap.Error(err))
		}
		c.JSON(http.StatusPartialContent, gin.H{
			"current": false,
			"message": "No live stream currently running.",
			"last":    last,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Live stream is currently running.",
		"current": true,
		"data": gin.H{
			"videoId":    stream.VideoID,
			"hlsUrl":     stream.HLSURL,
			"viewers":    h.registry.Size(),
			"start_time": stream.StartTime,
			"end_time":   stream.EndTime,
			"duration":   stream.DurationSeconds(),
		},
	})
}

// Start handles POST /api/streams/start: spawn the relay, persist the record,
// install it as current state and fan STREAM_START out to every connection.
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "missing or invalid video_id")
		return
	}
	if _, live := h.cache.Get(); live {
		response.Conflict(c, "a live stream is already running")
		return
	}

	if err := h.relay.Start(c.Request.Context(), req.VideoID); err != nil {
		h.logger.Error("start relay", zap.String("video_id", req.VideoID), zap.Error(err))
		response.Internal(c, "failed to start relay")
		return
	}

	stream, err := h.repo.Create(c.Request.Context(), req.VideoID, "/hls/index.m3u8")
	if err != nil {
		h.relay.Stop()
		h.logger.Error("create stream record", zap.Error(err))
		response.Internal(c, "failed to create stream")
		return
	}

	h.dispatcher.AnnounceStart(*stream)
	response.OK(c, stream)
}

// Stop handles POST /api/streams/stop: halt the relay, mark the record
// finished, clear current state and queue the HLS output for archival.
func (h *Handler) Stop(c *gin.Context) {
	stream, ok := h.cache.Get()
	if !ok {
		response.NotFound(c, "no live stream currently running")
		return
	}

	h.relay.Stop()

	endedAt := time.Now()
	if err := h.repo.Finish(c.Request.Context(), stream.ID, endedAt); err != nil {
		h.logger.Error("finish stream record", zap.String("stream_id", stream.ID.String()), zap.Error(err))
	}
	stream.EndTime = &endedAt
	stream.Finished = true

	h.dispatcher.AnnounceEnd(stream)

	if h.queue != nil {
		if err := h.queue.EnqueueArchive(c.Request.Context(), queue.ArchivePayload{StreamID: stream.ID}); err != nil {
			h.logger.Warn("enqueue archive job", zap.String("stream_id", stream.ID.String()), zap.Error(err))
		}
	}

	response.OK(c, stream)
}

// RecordingURL handles GET /api/streams/:id/recording-url: a pre-signed link
// to the archived playlist of a finished broadcast.
func (h *Handler) RecordingURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "archival is not configured")
		return
	}

	stream, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("load stream", zap.String("stream_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load stream")
		return
	}
	if stream == nil || stream.RecordingURL == nil {
		response.NotFound(c, "no archived recording for this stream")
		return
	}

	key := storage.RecordingKey(stream.ID.String(), "index.m3u8")
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.RecordingsBucket(), key, h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign recording", zap.String("stream_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to generate download url")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in": int(h.s3.PresignExpire().Seconds())})
}
