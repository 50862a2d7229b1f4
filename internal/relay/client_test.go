package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/protocol"
)

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	if maxAttempts != len(want) {
		t.Fatalf("maxAttempts = %d, want %d", maxAttempts, len(want))
	}
	for i, w := range want {
		if got := backoffDelay(i); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
}

type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func TestEmitAndDispatchRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c, err := Dial(context.Background(), ts.wsURL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	server := ts.accept(t)

	received := make(chan json.RawMessage, 1)
	c.On("pong", func(data json.RawMessage) { received <- data })

	if err := c.Emit("ping", map[string]string{"q": "hello"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	var env protocol.Envelope
	if err := server.ReadJSON(&env); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if env.Event != "ping" {
		t.Errorf("server got event %q", env.Event)
	}

	if err := server.WriteJSON(&protocol.Envelope{
		Event: "pong",
		Data:  json.RawMessage(`{"a":"b"}`),
	}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case data := <-received:
		if string(data) != `{"a":"b"}` {
			t.Errorf("handler got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	c, err := Dial(context.Background(), ts.wsURL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	first := ts.accept(t)

	states := make(chan State, 4)
	c.OnState(func(s State) { states <- s })

	first.Close()

	waitState := func(want State) {
		t.Helper()
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("never reached state %v", want)
			}
		}
	}
	waitState(StateReconnecting)

	second := ts.accept(t)
	waitState(StateConnected)

	if err := c.Emit("ping", nil); err != nil {
		t.Fatalf("emit after reconnect: %v", err)
	}
	var env protocol.Envelope
	if err := second.ReadJSON(&env); err != nil {
		t.Fatalf("server read after reconnect: %v", err)
	}
	if env.Event != "ping" {
		t.Errorf("server got event %q after reconnect", env.Event)
	}
}

func TestHandlerUnsubscribe(t *testing.T) {
	c := &Client{
		handlers: make(map[string]map[int]func(json.RawMessage)),
		states:   make(map[int]func(State)),
	}
	var calls int
	off := c.On("x", func(json.RawMessage) { calls++ })

	c.dispatch(&protocol.Envelope{Event: "x"})
	off()
	c.dispatch(&protocol.Envelope{Event: "x"})
	c.dispatch(&protocol.Envelope{Event: "unrelated"})

	if calls != 1 {
		t.Errorf("handler fired %d times, want 1", calls)
	}
}

func TestEmitFailsFastWhenDown(t *testing.T) {
	c := &Client{
		handlers: make(map[string]map[int]func(json.RawMessage)),
		states:   make(map[int]func(State)),
	}
	err := c.Emit("ping", nil)
	if !errors.Is(err, domain.ErrChannelDisconnected) {
		t.Fatalf("want ErrChannelDisconnected, got %v", err)
	}
}

func TestCloseIsIdempotentAndNotifies(t *testing.T) {
	ts := newTestServer(t)
	c, err := Dial(context.Background(), ts.wsURL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ts.accept(t)

	states := make(chan State, 4)
	c.OnState(func(s State) { states <- s })

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case s := <-states:
		if s != StateClosed {
			t.Errorf("state = %v, want closed", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state notification on close")
	}

	if err := c.Emit("ping", nil); !errors.Is(err, domain.ErrChannelDisconnected) {
		t.Errorf("emit after close: %v", err)
	}
}
