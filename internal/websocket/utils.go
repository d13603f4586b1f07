package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait is refreshed on every inbound frame and every pong.
	readWait   = 5 * time.Minute
	pingPeriod = 50 * time.Second
	maxFrame   = 64 << 10
)

// ErrMalformedFrame is returned for frames that are not a JSON envelope.
// The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode marshals an outbound frame.
func Encode(event Event, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

// WriteTyped writes a frame directly, bypassing the send queue. Used only
// before the write pump starts.
func WriteTyped(conn *websocket.Conn, event Event, data any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Frame{Event: event, Data: data})
}

// WriteError writes a typed error frame directly.
func WriteError(conn *websocket.Conn, code, message string) error {
	return WriteTyped(conn, EventError, ErrorPayload{Message: message, Code: code})
}

// ReadEnvelope reads one inbound frame and pushes the read deadline.
func ReadEnvelope(conn *websocket.Conn) (*Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		return nil, ErrMalformedFrame
	}
	return &env, nil
}

// IsUnexpectedClose reports a close the client did not initiate cleanly.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure)
}
