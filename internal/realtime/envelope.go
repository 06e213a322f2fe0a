package realtime

import (
	"encoding/json"
	"time"
)

// OpCodes exchanged over the viewer WebSocket. The envelope is symmetric: both
// directions use {op, d, t} with t in epoch milliseconds.
const (
	OpHandshake    = "HANDSHAKE"
	OpHello        = "HELLO"
	OpPing         = "PING"
	OpPong         = "PONG"
	OpReHandshake  = "RE_HANDSHAKE"
	OpStreamStart  = "STREAM_START"
	OpStreamUpdate = "STREAM_UPDATE"
)

// Message is the WebSocket message envelope.
type Message struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d"`
	T  int64           `json:"t"`
}

// NewMessage builds an envelope, marshaling the payload. A nil payload is sent
// as JSON null (absence of a broadcast is a valid HELLO payload).
func NewMessage(op string, payload interface{}, at time.Time) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return Message{Op: op, D: data, T: at.UnixMilli()}
}

// SessionRef is the PING payload carrying the client's session id.
type SessionRef struct {
	Session string `json:"session"`
}

// ReHandshakePayload tells the client its session is gone and it must handshake again.
type ReHandshakePayload struct {
	Message string `json:"message"`
}

func reHandshakeMessage(at time.Time) Message {
	return NewMessage(OpReHandshake, ReHandshakePayload{Message: "Session not found"}, at)
}
