package realtime

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/loopcast/backend/internal/models"
)

// liveSnapshot returns a copy of the current broadcast with the viewer count
// computed at this instant, or nil when nothing is live. Each caller gets its
// own copy; shared state is never mutated.
func liveSnapshot(cache *StateCache, registry *Registry) *models.Stream {
	stream, ok := cache.Get()
	if !ok {
		return nil
	}
	stream.Viewers = registry.Size()
	return &stream
}

// Broadcaster is the fan-out surface the dispatcher pushes through.
// Satisfied by *Hub; tests substitute recorders.
type Broadcaster interface {
	Broadcast(msg Message)
	BroadcastAndPublish(msg Message)
}

// Dispatcher periodically reconciles the broadcast snapshot with the live
// viewer count and pushes it to every open connection. It also performs the
// eager STREAM_START fan-out when a new broadcast is installed.
type Dispatcher struct {
	registry *Registry
	cache    *StateCache
	hub      Broadcaster
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a broadcast dispatcher ticking at the given interval.
func NewDispatcher(registry *Registry, cache *StateCache, hub Broadcaster, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cache:    cache,
		hub:      hub,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("broadcast dispatcher stopping")
			return
		case <-ticker.Chan():
			d.Dispatch()
		}
	}
}

// Dispatch runs one tick: no broadcast means no fan-out; otherwise every open
// connection gets a STREAM_UPDATE carrying a fresh snapshot.
func (d *Dispatcher) Dispatch() {
	snapshot := liveSnapshot(d.cache, d.registry)
	if snapshot == nil {
		return
	}
	d.hub.Broadcast(NewMessage(OpStreamUpdate, snapshot, d.clock.Now()))
}

// AnnounceStart installs a new broadcast: the cache is replaced, every viewer
// session is reset (clients must re-handshake, so counts never carry over
// between broadcasts), and STREAM_START is fanned out immediately, outside the
// regular tick, to local connections and peer instances.
func (d *Dispatcher) AnnounceStart(stream models.Stream) {
	d.cache.Set(stream)
	d.registry.Reset()
	d.hub.BroadcastAndPublish(NewMessage(OpStreamStart, stream, d.clock.Now()))
	d.logger.Info("broadcast started", zap.String("stream_id", stream.ID.String()), zap.String("video_id", stream.VideoID))
}

// AnnounceEnd clears the current broadcast and pushes the final snapshot so
// clients see the finished state before updates stop.
func (d *Dispatcher) AnnounceEnd(stream models.Stream) {
	stream.Viewers = d.registry.Size()
	d.cache.Clear()
	d.hub.BroadcastAndPublish(NewMessage(OpStreamUpdate, stream, d.clock.Now()))
	d.logger.Info("broadcast ended", zap.String("stream_id", stream.ID.String()))
}
