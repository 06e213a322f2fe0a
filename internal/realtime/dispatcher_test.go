package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopcast/backend/internal/models"
)

const testDispatchInterval = 4 * time.Second

// broadcastRecorder records fan-outs for assertions.
type broadcastRecorder struct {
	mu        sync.Mutex
	local     []Message
	published []Message
}

func (r *broadcastRecorder) Broadcast(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, msg)
}

func (r *broadcastRecorder) BroadcastAndPublish(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, msg)
	r.published = append(r.published, msg)
}

func (r *broadcastRecorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.local...)
}

func decodeStream(t *testing.T, msg Message) models.Stream {
	t.Helper()
	var s models.Stream
	require.NoError(t, json.Unmarshal(msg.D, &s))
	return s
}

func newTestDispatcher(clock clockwork.Clock) (*Dispatcher, *Registry, *StateCache, *broadcastRecorder) {
	registry := NewRegistry(testGrace, clock)
	cache := NewStateCache()
	recorder := &broadcastRecorder{}
	d := NewDispatcher(registry, cache, recorder, clock, testDispatchInterval, zap.NewNop())
	return d, registry, cache, recorder
}

func TestDispatcher_NoBroadcastNoFanOut(t *testing.T) {
	d, registry, _, recorder := newTestDispatcher(clockwork.NewFakeClock())
	registry.Create("conn-1")

	d.Dispatch()
	assert.Empty(t, recorder.all(), "no fan-out while no broadcast is live")
}

func TestDispatcher_FanOutCarriesCurrentViewerCount(t *testing.T) {
	d, registry, cache, recorder := newTestDispatcher(clockwork.NewFakeClock())
	cache.Set(models.Stream{ID: uuid.New(), VideoID: "abc"})

	registry.Create("conn-1")
	registry.Create("conn-2")
	d.Dispatch()

	msgs := recorder.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, OpStreamUpdate, msgs[0].Op)
	assert.Equal(t, 2, decodeStream(t, msgs[0]).Viewers)

	// One viewer leaves; the next tick reports the reduced count, never a
	// stale value from the previous tick.
	ids := registry.SnapshotIDs()
	registry.Evict(ids[0])
	d.Dispatch()

	msgs = recorder.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, decodeStream(t, msgs[1]).Viewers)
}

func TestDispatcher_AnnounceStartResetsSessionsAndFansOut(t *testing.T) {
	d, registry, cache, recorder := newTestDispatcher(clockwork.NewFakeClock())

	old := registry.Create("conn-1")
	stream := models.Stream{ID: uuid.New(), VideoID: "abc", HLSURL: "/hls/index.m3u8"}
	d.AnnounceStart(stream)

	// New broadcast is current, old sessions are gone.
	got, ok := cache.Get()
	require.True(t, ok)
	assert.Equal(t, stream.ID, got.ID)
	assert.Equal(t, 0, registry.Size())
	_, ok = registry.Get(old.ID)
	assert.False(t, ok)

	msgs := recorder.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, OpStreamStart, msgs[0].Op)
	assert.Equal(t, "abc", decodeStream(t, msgs[0]).VideoID)

	recorder.mu.Lock()
	published := len(recorder.published)
	recorder.mu.Unlock()
	assert.Equal(t, 1, published, "STREAM_START must reach peer instances")
}

func TestDispatcher_AnnounceEndClearsCache(t *testing.T) {
	d, _, cache, recorder := newTestDispatcher(clockwork.NewFakeClock())
	stream := models.Stream{ID: uuid.New(), VideoID: "abc"}
	cache.Set(stream)

	ended := stream
	now := time.Now()
	ended.EndTime = &now
	ended.Finished = true
	d.AnnounceEnd(ended)

	_, ok := cache.Get()
	assert.False(t, ok)

	msgs := recorder.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, OpStreamUpdate, msgs[0].Op)
	assert.True(t, decodeStream(t, msgs[0]).Finished)
}

func TestDispatcher_TickAfterAnnounceStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, registry, _, recorder := newTestDispatcher(clock)

	d.AnnounceStart(models.Stream{ID: uuid.New(), VideoID: "abc"})
	registry.Create("conn-1")

	d.Dispatch()
	msgs := recorder.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, OpStreamUpdate, msgs[1].Op)
	assert.Equal(t, 1, decodeStream(t, msgs[1]).Viewers)
}
