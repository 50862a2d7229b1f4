// Package ws bridges member websockets to the room registry. All
// registry mutation is driven from here: an inbound event or a
// connection drop, never anything concurrent with itself for the same
// member.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/protocol"
	"github.com/pairview/pairview/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Controller owns the websocket endpoint for relay channels.
type Controller struct {
	Registry   *registry.Registry
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(reg *registry.Registry, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{Registry: reg, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// HandleSignal upgrades the request and runs the member's pumps. The
// member identity is the client token assigned by the HTTP layer.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	sid := domain.MemberID(c.GetString("client_token"))

	// The upgrade bypasses gin's response writer, so a freshly minted
	// token has to ride the 101 response explicitly for the client to
	// present it again on reconnect.
	var respHeader http.Header
	if _, err := c.Request.Cookie("ct"); err != nil {
		cookie := http.Cookie{
			Name:     "ct",
			Value:    string(sid),
			Path:     "/",
			MaxAge:   3600 * 24 * 7,
			HttpOnly: true,
		}
		respHeader = http.Header{"Set-Cookie": []string{cookie.String()}}
	}

	wsocket, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}
	log.Info().Str("module", "adapters.ws").Str("sid", string(sid)).Msg("relay channel opened")

	cn := newConn(wsocket)
	go cn.writePump(ctl.PingPeriod)
	ctl.readPump(sid, cn)
}

func (ctl *Controller) readPump(sid domain.MemberID, c *conn) {
	defer func() {
		// Channel drop is the only trigger for leave.
		ctl.Registry.Leave(sid)
		c.Close()
		log.Info().Str("module", "adapters.ws").Str("sid", string(sid)).Msg("relay channel closed")
	}()

	c.ws.SetReadLimit(ctl.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("sid", string(sid)).Msg("read error")
			}
			return
		}
		ctl.dispatch(sid, c, &env)
	}
}

func (ctl *Controller) dispatch(sid domain.MemberID, c *conn, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		ctl.handleJoin(sid, c, env.Data)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICE:
		ctl.handleSignal(sid, env.Event, env.Data)
	case protocol.EventChatMessage:
		ctl.handleChat(sid, c, env.Data)
	case protocol.EventShareStart:
		ctl.handleShareState(sid, env.Data, true)
	case protocol.EventShareStop:
		ctl.handleShareState(sid, env.Data, false)
	default:
		log.Debug().Str("module", "adapters.ws").Str("event", env.Event).Msg("unknown event")
	}
}

func (ctl *Controller) handleJoin(sid domain.MemberID, c *conn, data json.RawMessage) {
	var p protocol.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad join payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	if err := ctl.Registry.Join(p.RoomID, p.DisplayName, sid, c); err != nil {
		// room-full already went out through the outbox; anything
		// else is reported as a request-local error.
		if err != domain.ErrRoomFull {
			ctl.sendError(c, err.Error())
		}
	}
}

// handleSignal relays an opaque payload. Only routing fields are read.
func (ctl *Controller) handleSignal(sid domain.MemberID, event string, data json.RawMessage) {
	var p protocol.SignalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Str("event", event).Msg("bad signal envelope")
		return
	}
	if p.To == "" {
		return
	}
	ctl.Registry.Relay(event, p.Payload, sid, p.To)
}

func (ctl *Controller) handleChat(sid domain.MemberID, c *conn, data json.RawMessage) {
	var p protocol.ChatSendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad chat payload")
		return
	}
	if err := p.Validate(); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	if _, err := ctl.Registry.PostMessage(p.RoomID, sid, p.DisplayName, p.Text); err != nil {
		log.Debug().Err(err).Str("module", "adapters.ws").Str("sid", string(sid)).Msg("chat dropped")
	}
}

func (ctl *Controller) handleShareState(sid domain.MemberID, data json.RawMessage, started bool) {
	var p protocol.ShareStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.Registry.NotifyShareState(p.RoomID, sid, started)
}

func (ctl *Controller) sendError(c *conn, msg string) {
	env, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	_ = c.TrySend(env)
}
