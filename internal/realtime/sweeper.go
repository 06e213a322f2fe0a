package realtime

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sweeper periodically evicts sessions whose heartbeat deadline has passed.
// Deadline expiry is the only way a session ends besides its connection closing.
type Sweeper struct {
	registry *Registry
	sender   Sender
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a heartbeat sweeper ticking at the given interval.
func NewSweeper(registry *Registry, sender Sender, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		sender:   sender,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat sweeper stopping")
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep runs one pass. Eviction decisions are made per session against the
// state held at the moment of the check, so a session refreshed mid-sweep
// survives. A failure to notify one connection never aborts the pass.
func (s *Sweeper) Sweep() {
	now := s.clock.Now()
	for _, id := range s.registry.SnapshotIDs() {
		session, ok := s.registry.EvictIfExpired(id, now)
		if !ok {
			continue
		}
		s.logger.Info("session expired",
			zap.String("session_id", session.ID),
			zap.Int64("last_heartbeat", session.LastHeartbeat))
		if !s.sender.SendTo(session.ConnID, reHandshakeMessage(now)) {
			s.logger.Debug("expired session connection unreachable", zap.String("conn_id", session.ConnID))
		}
	}
}
