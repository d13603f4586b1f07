package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
	"github.com/stemsi/exroom-backend/internal/middleware"
	"github.com/stemsi/exroom-backend/internal/response"
	ws "github.com/stemsi/exroom-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Dispatcher receives the frames of one socket.
type Dispatcher interface {
	Dispatch(c *ws.Client, env *ws.Envelope)
	Detach(c *ws.Client)
}

// WSHandler upgrades authenticated requests to room sockets.
type WSHandler struct {
	gateway  Dispatcher
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(gateway Dispatcher, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		gateway:  gateway,
		log:      logger.Component(log, "ws_handler"),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// RoomSocket godoc
// WS /ws/v1/rooms?token=<jwt>
// A socket is not bound to a room until it sends join-room.
func (h *WSHandler) RoomSocket(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := ws.NewClient(conn, uuid.NewString(), claims.UserID, claims.Name, claims.Role, h.log)
	go client.WritePump()

	wsLog := h.log.With().
		Str("conn_id", client.ID).
		Str("user_id", claims.UserID).
		Str("role", string(claims.Role)).
		Logger()
	wsLog.Info().Msg("Socket connected")

	defer func() {
		h.gateway.Detach(client)
		client.Close()
		wsLog.Debug().Msg("Socket released")
	}()

	for {
		env, err := ws.ReadEnvelope(conn)
		if errors.Is(err, ws.ErrMalformedFrame) {
			client.SendError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			continue
		}
		if err != nil {
			if ws.IsUnexpectedClose(err) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}
		h.gateway.Dispatch(client, env)
	}
}
