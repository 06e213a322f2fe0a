package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSweepInterval = 4 * time.Second

// sentRecorder records messages per connection for assertions.
type sentRecorder struct {
	mu   sync.Mutex
	sent map[string][]Message
}

func newSentRecorder() *sentRecorder {
	return &sentRecorder{sent: make(map[string][]Message)}
}

func (r *sentRecorder) Broadcast(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent["*"] = append(r.sent["*"], msg)
}

func (r *sentRecorder) SendTo(connID string, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[connID] = append(r.sent[connID], msg)
	return true
}

func (r *sentRecorder) messages(connID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent[connID]...)
}

func TestSweeper_EvictsExpiredSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(testGrace, clock)
	recorder := newSentRecorder()
	sweeper := NewSweeper(registry, recorder, clock, testSweepInterval, zap.NewNop())

	session := registry.Create("conn-1")

	// Still within grace: nothing happens.
	clock.Advance(testGrace - time.Second)
	sweeper.Sweep()
	assert.Equal(t, 1, registry.Size())
	assert.Empty(t, recorder.messages("conn-1"))

	// Past the deadline: evicted and told to re-handshake.
	clock.Advance(2 * time.Second)
	sweeper.Sweep()
	assert.Equal(t, 0, registry.Size())

	msgs := recorder.messages("conn-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, OpReHandshake, msgs[0].Op)
	assert.JSONEq(t, `{"message":"Session not found"}`, string(msgs[0].D))

	_, ok := registry.Get(session.ID)
	assert.False(t, ok)
}

func TestSweeper_RefreshedSessionSurvives(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(testGrace, clock)
	recorder := newSentRecorder()
	sweeper := NewSweeper(registry, recorder, clock, testSweepInterval, zap.NewNop())

	session := registry.Create("conn-1")

	clock.Advance(testGrace - time.Millisecond)
	_, ok := registry.Refresh(session.ID, "conn-1")
	require.True(t, ok)

	// A sweep running immediately after the refresh must not evict.
	sweeper.Sweep()
	assert.Equal(t, 1, registry.Size())
	assert.Empty(t, recorder.messages("conn-1"))
}

func TestSweeper_EvictionWithinGracePlusTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(testGrace, clock)
	recorder := newSentRecorder()
	sweeper := NewSweeper(registry, recorder, clock, testSweepInterval, zap.NewNop())

	registry.Create("conn-1")

	// Ticks at 4s and 8s: the session (grace 6s) is gone by the second tick,
	// within [grace, grace+tick) after its last heartbeat.
	clock.Advance(testSweepInterval)
	sweeper.Sweep()
	assert.Equal(t, 1, registry.Size())

	clock.Advance(testSweepInterval)
	sweeper.Sweep()
	assert.Equal(t, 0, registry.Size())
}

func TestSweeper_SweepsOnlyExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(testGrace, clock)
	recorder := newSentRecorder()
	sweeper := NewSweeper(registry, recorder, clock, testSweepInterval, zap.NewNop())

	stale := registry.Create("conn-stale")
	clock.Advance(testGrace + time.Second)
	fresh := registry.Create("conn-fresh")

	sweeper.Sweep()

	_, ok := registry.Get(stale.ID)
	assert.False(t, ok)
	_, ok = registry.Get(fresh.ID)
	assert.True(t, ok)
}

func TestSweeper_RunStopsOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(testGrace, clock)
	sweeper := NewSweeper(registry, newSentRecorder(), clock, testSweepInterval, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
