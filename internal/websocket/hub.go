package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/logger"
)

// Hub groups local clients by room and relays frames between instances
// through Redis pub/sub. Delivery is best effort: a frame that cannot be
// queued for a slow client is dropped.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	rdb        *redis.Client
	instanceID string
	ready      chan struct{}
	readyOnce  sync.Once
	log        zerolog.Logger
}

// relayMessage is what travels on a room channel.
type relayMessage struct {
	Origin     string          `json:"origin"`
	Room       string          `json:"room"`
	TargetUser string          `json:"targetUser,omitempty"`
	Exclude    []string        `json:"exclude,omitempty"`
	Disconnect bool            `json:"disconnect,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// NewHub creates a Hub. A nil rdb keeps delivery local to this process.
func NewHub(rdb *redis.Client, instanceID string, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		rdb:        rdb,
		instanceID: instanceID,
		ready:      make(chan struct{}),
		log:        logger.Component(log, "ws_hub"),
	}
}

// Join adds c to the room group.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// Leave removes c from the room group.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Members returns the number of local clients in the room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish sends a frame to everyone in the room on every instance, except
// connections belonging to the excluded user ids.
func (h *Hub) Publish(ctx context.Context, room string, event Event, data any, excludeUsers ...string) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(event)).Msg("Encode broadcast failed")
		return
	}
	h.publish(ctx, relayMessage{Origin: h.instanceID, Room: room, Exclude: excludeUsers, Frame: frame})
}

// PublishToUser sends a frame to the connections of one user in the room.
// With disconnect set, those connections are closed after the frame.
func (h *Hub) PublishToUser(ctx context.Context, room, userID string, event Event, data any, disconnect bool) {
	frame, err := Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(event)).Msg("Encode direct frame failed")
		return
	}
	h.publish(ctx, relayMessage{Origin: h.instanceID, Room: room, TargetUser: userID, Disconnect: disconnect, Frame: frame})
}

func (h *Hub) publish(ctx context.Context, msg relayMessage) {
	h.deliver(msg)
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("Encode relay failed")
		return
	}
	if err := h.rdb.Publish(ctx, config.CacheKey.RoomEventsChannel(msg.Room), payload).Err(); err != nil {
		h.log.Warn().Err(err).Str("room_code", msg.Room).Msg("Relay publish failed")
	}
}

func (h *Hub) deliver(msg relayMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[msg.Room]))
	for c := range h.rooms[msg.Room] {
		if msg.TargetUser != "" && c.UserID != msg.TargetUser {
			continue
		}
		if excluded(c.UserID, msg.Exclude) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.TrySend(msg.Frame) {
			h.log.Debug().Str("room_code", msg.Room).Str("conn_id", c.ID).Msg("Dropped frame for slow client")
		}
		if msg.Disconnect {
			h.Leave(msg.Room, c)
			c.Detach()
			c.Close()
		}
	}
}

func excluded(userID string, exclude []string) bool {
	for _, u := range exclude {
		if u == userID {
			return true
		}
	}
	return false
}

// Ready is closed once the relay subscription is active.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Run consumes frames relayed by other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.rdb == nil {
		h.readyOnce.Do(func() { close(h.ready) })
		<-ctx.Done()
		return nil
	}

	pubsub := h.rdb.PSubscribe(ctx, config.CacheKey.RoomEventsPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	h.readyOnce.Do(func() { close(h.ready) })
	h.log.Info().Str("instance_id", h.instanceID).Msg("Hub relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			var msg relayMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				h.log.Warn().Err(err).Str("channel", m.Channel).Msg("Discarding malformed relay")
				continue
			}
			if msg.Origin == h.instanceID {
				continue
			}
			h.deliver(msg)
		}
	}
}
