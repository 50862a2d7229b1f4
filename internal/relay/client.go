// Package relay maintains the client's signaling channel to the room
// server: a websocket carrying JSON event envelopes, with bounded
// automatic reconnection after unexpected drops.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// Reconnection gives up after maxAttempts tries, doubling the
	// delay from baseDelay each time: 1s, 2s, 4s, 8s, 16s.
	maxAttempts = 5
	baseDelay   = time.Second
)

// backoffDelay returns the wait before reconnect attempt n (0-based).
func backoffDelay(attempt int) time.Duration {
	return baseDelay << attempt
}

// State reports channel availability to subscribers.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateDown // reconnection exhausted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDown:
		return "down"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is a relay channel endpoint. Event handlers registered with
// On survive reconnects; Emit fails fast while the channel is down so
// callers decide what to buffer.
type Client struct {
	url  string
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	nextID   int
	handlers map[string]map[int]func(json.RawMessage)
	states   map[int]func(State)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the relay endpoint. The initial connection is not
// retried; only established channels reconnect after a drop. A cookie
// jar carries the server's client token across reconnects so the
// registry sees the same member come back.
func Dial(ctx context.Context, url string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Jar:              jar,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url: url,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		},
		handlers: make(map[string]map[int]func(json.RawMessage)),
		states:   make(map[int]func(State)),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	conn, err := c.dial(ctx, url)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c.adopt(conn)
	go c.run()
	return c, nil
}

// On registers a handler for an inbound event. The returned function
// removes it.
func (c *Client) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := c.nextID
	c.nextID++
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers[event], id)
		c.mu.Unlock()
	}
}

// OnState registers a channel availability observer.
func (c *Client) OnState(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.states[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.states, id)
		c.mu.Unlock()
	}
}

// Emit sends an event envelope. Returns
// domain.ErrChannelDisconnected without queueing when the channel is
// down.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected && !c.closed
	c.mu.Unlock()
	if !ok {
		return domain.ErrChannelDisconnected
	}

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelDisconnected, err)
	}
	return nil
}

// Close tears the channel down permanently. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
	c.notify(StateClosed)
	return nil
}

func (c *Client) notify(s State) {
	c.mu.Lock()
	fns := make([]func(State), 0, len(c.states))
	for _, fn := range c.states {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) adopt(conn *websocket.Conn) {
	// The server drives keepalive; refresh our read deadline on its
	// pings and let gorilla answer with pongs.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	ping := conn.PingHandler()
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return ping(appData)
	})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
}

func (c *Client) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		c.connected = false
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		log.Warn().Str("module", "relay").Msg("channel dropped, reconnecting")
		c.notify(StateReconnecting)
		next, ok := c.reconnect()
		if !ok {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if !closed {
				log.Error().Str("module", "relay").Int("attempts", maxAttempts).Msg("reconnection exhausted")
				c.notify(StateDown)
			}
			return
		}
		c.adopt(next)
		c.notify(StateConnected)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			_ = conn.Close()
			return
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[env.Event]))
	for _, fn := range c.handlers[env.Event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env.Data)
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-time.After(backoffDelay(attempt)):
		}

		conn, err := c.dial(c.ctx, c.url)
		if err == nil {
			log.Info().Str("module", "relay").Int("attempt", attempt+1).Msg("reconnected")
			return conn, true
		}
		log.Warn().Err(err).Str("module", "relay").Int("attempt", attempt+1).Msg("reconnect failed")
	}
	return nil, false
}
