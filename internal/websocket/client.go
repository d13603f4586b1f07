package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/model"
)

// sendBuffer is the per-connection queue. A client that falls this far
// behind starts losing frames and has to re-sync.
const sendBuffer = 64

// Client is one authenticated socket. All writes go through the send
// queue and a single write pump, so frames reach the peer in queue order.
type Client struct {
	ID       string
	UserID   string
	UserName string
	Role     model.Role

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	room     string
	roomRole model.Role

	log zerolog.Logger
}

// NewClient wraps an upgraded connection. Call WritePump in its own goroutine.
func NewClient(conn *websocket.Conn, id, userID, userName string, role model.Role, log zerolog.Logger) *Client {
	c := newClient(id, userID, userName, role, sendBuffer, log)
	c.conn = conn
	if conn != nil {
		conn.SetReadLimit(maxFrame)
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
	}
	return c
}

func newClient(id, userID, userName string, role model.Role, buffer int, log zerolog.Logger) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		UserName: userName,
		Role:     role,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		log:      log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
	}
}

// TrySend queues a frame without blocking. It reports false when the
// frame was dropped because the queue is full or the client is closed.
func (c *Client) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// SendEvent encodes and queues a frame.
func (c *Client) SendEvent(event Event, data any) bool {
	frame, err := Encode(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event)).Msg("Encode frame failed")
		return false
	}
	return c.TrySend(frame)
}

// SendError queues a typed error frame.
func (c *Client) SendError(code, message string) bool {
	return c.SendEvent(EventError, ErrorPayload{Message: message, Code: code})
}

// Close flushes what is already queued and then closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Attach tags the client with the room it joined.
func (c *Client) Attach(room string, role model.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room, c.roomRole = room, role
}

// Detach clears the room tag and returns what it was.
func (c *Client) Detach() (string, model.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, role := c.room, c.roomRole
	c.room, c.roomRole = "", ""
	return room, role
}

// Room returns the attached room, empty when not attached.
func (c *Client) Room() (string, model.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.roomRole
}

// WritePump drains the send queue to the socket and keeps it alive with
// pings. It returns when the client is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
