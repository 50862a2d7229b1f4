package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/protocol"
)

// ErrBackpressure is returned when a member's outbox is full. The
// frame is dropped for that member only.
var ErrBackpressure = errors.New("outbox full")

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// conn wraps one member's websocket with a buffered outbox. It
// implements registry.Outbox.
type conn struct {
	ws   *websocket.Conn
	send chan *protocol.Envelope
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan *protocol.Envelope, 32),
	}
}

func (c *conn) TrySend(env *protocol.Envelope) error {
	select {
	case c.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *conn) Close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// writePump serializes all writes to the socket: outbox frames and
// keepalive pings.
func (c *conn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("writePump write")
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
