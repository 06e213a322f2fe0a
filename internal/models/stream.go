package models

import (
	"time"

	"github.com/google/uuid"
)

// Stream represents one live broadcast, persisted for history and cached while live.
type Stream struct {
	ID           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	VideoID      string     `json:"videoId"`
	HLSURL       string     `json:"hlsUrl"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Finished     bool       `json:"finished"`
	RecordingURL *string    `json:"recording_url,omitempty"`
	Viewers      int        `json:"viewers"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DurationSeconds returns the broadcast length in seconds, or nil while still live.
func (s *Stream) DurationSeconds() *float64 {
	if s.EndTime == nil {
		return nil
	}
	d := s.EndTime.Sub(s.StartTime).Seconds()
	return &d
}
