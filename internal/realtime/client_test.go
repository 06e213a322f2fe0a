package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopcast/backend/internal/models"
)

type wsFixture struct {
	server     *httptest.Server
	registry   *Registry
	cache      *StateCache
	hub        *Hub
	dispatcher *Dispatcher
}

func newWsFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewRealClock()
	registry := NewRegistry(testGrace, clock)
	cache := NewStateCache()
	hub := NewHub(zap.NewNop(), nil)
	dispatcher := NewDispatcher(registry, cache, hub, clock, testDispatchInterval, zap.NewNop())

	router := gin.New()
	router.GET("/ws", ServeWs(hub, registry, cache, clock, zap.NewNop()))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsFixture{server: server, registry: registry, cache: cache, hub: hub, dispatcher: dispatcher}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func handshake(t *testing.T, conn *websocket.Conn) (sessionID string, hello Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Message{Op: OpHandshake, D: json.RawMessage(`{}`), T: time.Now().UnixMilli()}))

	reply := readEnvelope(t, conn)
	require.Equal(t, OpHandshake, reply.Op)
	var ref SessionRef
	require.NoError(t, json.Unmarshal(reply.D, &ref))
	require.NotEmpty(t, ref.Session)

	hello = readEnvelope(t, conn)
	require.Equal(t, OpHello, hello.Op)
	return ref.Session, hello
}

func TestHandshakeIssuesSessionAndHello(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)

	sessionID, hello := handshake(t, conn)
	assert.Equal(t, "null", string(hello.D), "HELLO payload is null when nothing is live")

	_, ok := f.registry.Get(sessionID)
	assert.True(t, ok)
	assert.Equal(t, 1, f.registry.Size())
}

func TestHandshakeHelloCarriesLiveSnapshot(t *testing.T) {
	f := newWsFixture(t)
	f.cache.Set(models.Stream{ID: uuid.New(), VideoID: "abc", HLSURL: "/hls/index.m3u8"})
	conn := f.dial(t)

	_, hello := handshake(t, conn)
	var stream models.Stream
	require.NoError(t, json.Unmarshal(hello.D, &stream))
	assert.Equal(t, "abc", stream.VideoID)
	assert.Equal(t, 1, stream.Viewers, "viewer count is computed at HELLO time")
}

func TestPingRefreshesSession(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)
	sessionID, _ := handshake(t, conn)

	require.NoError(t, conn.WriteJSON(NewMessage(OpPing, SessionRef{Session: sessionID}, time.Now())))
	pong := readEnvelope(t, conn)
	require.Equal(t, OpPong, pong.Op)

	var session Session
	require.NoError(t, json.Unmarshal(pong.D, &session))
	assert.Equal(t, sessionID, session.ID)
	assert.GreaterOrEqual(t, session.NextHeartbeat, session.LastHeartbeat)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(pong.D, &raw))
	assert.NotContains(t, raw, "conn_id", "connection handle must never be echoed")
}

func TestPingUnknownSessionGetsReHandshake(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(NewMessage(OpPing, SessionRef{Session: uuid.New().String()}, time.Now())))
	reply := readEnvelope(t, conn)
	assert.Equal(t, OpReHandshake, reply.Op)
	assert.JSONEq(t, `{"message":"Session not found"}`, string(reply.D))
	assert.Equal(t, 0, f.registry.Size())
}

func TestUnknownOpIgnored(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)
	sessionID, _ := handshake(t, conn)

	require.NoError(t, conn.WriteJSON(NewMessage("LOGOUT", nil, time.Now())))
	require.NoError(t, conn.WriteJSON(Message{Op: OpPing, D: mustJSON(SessionRef{Session: sessionID}), T: time.Now().UnixMilli()}))

	reply := readEnvelope(t, conn)
	assert.Equal(t, OpPong, reply.Op, "unknown ops must not close or error the connection")
}

func TestDuplicateHandshakeReissuesSession(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)

	first, _ := handshake(t, conn)
	second, _ := handshake(t, conn)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, f.registry.Size(), "one socket never counts as two viewers")
	_, ok := f.registry.Get(first)
	assert.False(t, ok, "previous session is evicted on re-issue")
}

func TestStreamStartForcesReHandshake(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)

	sessionID, hello := handshake(t, conn)
	require.Equal(t, "null", string(hello.D))

	f.dispatcher.AnnounceStart(models.Stream{ID: uuid.New(), VideoID: "abc", HLSURL: "/hls/index.m3u8", StartTime: time.Now()})

	start := readEnvelope(t, conn)
	require.Equal(t, OpStreamStart, start.Op)
	var stream models.Stream
	require.NoError(t, json.Unmarshal(start.D, &stream))
	assert.Equal(t, "abc", stream.VideoID)

	// The session table was reset: the old id now demands a re-handshake.
	require.NoError(t, conn.WriteJSON(NewMessage(OpPing, SessionRef{Session: sessionID}, time.Now())))
	reply := readEnvelope(t, conn)
	assert.Equal(t, OpReHandshake, reply.Op)
}

func TestCloseEvictsSession(t *testing.T) {
	f := newWsFixture(t)
	conn := f.dial(t)
	handshake(t, conn)
	require.Equal(t, 1, f.registry.Size())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.registry.Size() == 0 && f.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	f := newWsFixture(t)
	connA := f.dial(t)
	connB := f.dial(t)
	handshake(t, connA)
	handshake(t, connB)

	f.cache.Set(models.Stream{ID: uuid.New(), VideoID: "abc"})
	f.dispatcher.Dispatch()

	for _, conn := range []*websocket.Conn{connA, connB} {
		update := readEnvelope(t, conn)
		require.Equal(t, OpStreamUpdate, update.Op)
		var stream models.Stream
		require.NoError(t, json.Unmarshal(update.D, &stream))
		assert.Equal(t, 2, stream.Viewers)
	}
}
