package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "token"

type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	received chan ClientMessage
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan ClientMessage, 32),
	}
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn

		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			ts.received <- msg
		}
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) config() Config {
	return Config{
		URL:        ts.wsURL(),
		Token:      testToken,
		SessionId:  "session-1",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}

	var zero T
	return zero
}

func assertNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func collect(c *Channel, events ...Event) <-chan *ServerMessage {
	ch := make(chan *ServerMessage, 32)
	for _, ev := range events {
		c.On(ev, func(msg *ServerMessage) { ch <- msg })
	}
	return ch
}

func TestConnectJoinLeave(t *testing.T) {
	ts := newTestServer(t)

	c := NewChannel(ts.config(), testutil.TestLogger(t))
	defer c.Close()
	events := collect(c, EventConnected, EventDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	recv(t, ts.conns)
	assert.Equal(t, EventConnected, recv(t, events).Event)

	require.NoError(t, c.Connect(context.Background()), "expected second connect to be a no-op")
	assertNothing(t, ts.conns)
	assert.True(t, c.Connected())

	c.JoinRoom("room-1")
	c.JoinRoom("room-1")
	msg := recv(t, ts.received)
	require.NotNil(t, msg.Join)
	assert.Equal(t, "room-1", msg.Join.RoomId)
	assert.Equal(t, []string{"room-1"}, c.Rooms())

	c.LeaveRoom("room-2")
	c.LeaveRoom("room-1")
	msg = recv(t, ts.received)
	require.NotNil(t, msg.Leave, "expected join to be sent once and unjoined leave to be skipped")
	assert.Equal(t, "room-1", msg.Leave.RoomId)
	assert.Empty(t, c.Rooms())
	assertNothing(t, ts.received)
}

func TestDeliversServerEvents(t *testing.T) {
	ts := newTestServer(t)

	c, err := Open(context.Background(), ts.config(), testutil.TestLogger(t))
	require.NoError(t, err)
	defer c.Close()

	newMessages := make(chan *ServerMessage, 4)
	id := c.On(EventNewMessage, func(msg *ServerMessage) { newMessages <- msg })
	counts := collect(c, EventUnreadCountChanged)

	conn := recv(t, ts.conns)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{
		"event": "new-message",
		"new_message": {
			"room_id": "room-1",
			"sender": {"_id": 7, "name": "alice"},
			"message": {"id": "m1", "content": "hello", "sender": "7", "created_at": "2025-03-01T12:00:00Z"}
		}
	}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(ServerMessage{Event: EventConnected}))
	require.NoError(t, conn.WriteJSON(ServerMessage{
		Event:              EventUnreadCountChanged,
		UnreadCountChanged: &UnreadCountChanged{RoomId: "room-2", Count: 4},
	}))

	got := recv(t, newMessages)
	require.NotNil(t, got.NewMessage)
	m := got.NewMessage.Normalize()
	assert.Equal(t, "m1", m.Id)
	assert.Equal(t, "room-1", m.RoomId)
	assert.Equal(t, "7", m.Sender.UserID())
	assert.Equal(t, "alice", m.Sender.DisplayName())
	assert.Equal(t, types.DeliveryConfirmed, m.State)

	uc := recv(t, counts)
	require.NotNil(t, uc.UnreadCountChanged)
	assert.Equal(t, 4, uc.UnreadCountChanged.Count)

	c.Off(EventNewMessage, id)
	require.NoError(t, conn.WriteJSON(ServerMessage{
		Event:      EventNewMessage,
		NewMessage: &NewMessage{RoomId: "room-1", Message: types.Message{Id: "m2"}},
	}))
	assertNothing(t, newMessages)
}

func TestReconnectRejoinsRooms(t *testing.T) {
	ts := newTestServer(t)

	sp := stats.NewPermissiveMock()
	c := NewChannel(ts.config(), testutil.TestLogger(t), WithStats(sp))
	defer c.Close()
	events := collect(c, EventConnected, EventDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	first := recv(t, ts.conns)
	assert.Equal(t, EventConnected, recv(t, events).Event)

	c.JoinRoom("room-1")
	c.JoinRoom("room-2")
	recv(t, ts.received)
	recv(t, ts.received)
	c.LeaveRoom("room-2")
	recv(t, ts.received)

	first.Close()
	assert.Equal(t, EventDisconnected, recv(t, events).Event)

	recv(t, ts.conns)
	assert.Equal(t, EventConnected, recv(t, events).Event)

	msg := recv(t, ts.received)
	require.NotNil(t, msg.Join)
	assert.Equal(t, "room-1", msg.Join.RoomId, "expected only still-joined rooms to be re-issued")
	assertNothing(t, ts.received)

	sp.AssertCalled(t, "Incr", stats.Reconnects)
}

func TestCloseEmitsDisconnected(t *testing.T) {
	ts := newTestServer(t)

	c := NewChannel(ts.config(), testutil.TestLogger(t))
	events := collect(c, EventConnected, EventDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	recv(t, events)

	require.NoError(t, c.Close())
	assert.Equal(t, EventDisconnected, recv(t, events).Event)
	assert.False(t, c.Connected())

	require.NoError(t, c.Close(), "expected close to be idempotent")
	assert.ErrorIs(t, c.Connect(context.Background()), ErrChannelClosed)
	assertNothing(t, events)
}

func TestCloseWithoutConnect(t *testing.T) {
	c := NewChannel(Config{URL: "ws://127.0.0.1:1"}, testutil.TestLogger(t))
	assert.NoError(t, c.Close())
}

func TestConnectUnauthorized(t *testing.T) {
	ts := newTestServer(t)

	cfg := ts.config()
	cfg.Token = "wrong"
	_, err := Open(context.Background(), cfg, testutil.TestLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, history.ErrUnauthorized)
}

func TestConnectRetryAfterFailure(t *testing.T) {
	c := NewChannel(Config{URL: "ws://127.0.0.1:1"}, testutil.TestLogger(t))
	defer c.Close()

	require.Error(t, c.Connect(context.Background()))
	assert.False(t, c.Connected())
	require.Error(t, c.Connect(context.Background()), "expected a failed connect to be retryable")
}

func TestBackoff(t *testing.T) {
	c := NewChannel(Config{MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, testutil.TestLogger(t))

	tcases := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{0, 50 * time.Millisecond, 100 * time.Millisecond},
		{1, 100 * time.Millisecond, 200 * time.Millisecond},
		{3, 400 * time.Millisecond, 800 * time.Millisecond},
		{4, 500 * time.Millisecond, time.Second},
		{60, 500 * time.Millisecond, time.Second},
	}

	for _, tc := range tcases {
		for range 20 {
			d := c.backoff(tc.attempt)
			assert.GreaterOrEqual(t, d, tc.min, "attempt %d", tc.attempt)
			assert.LessOrEqual(t, d, tc.max, "attempt %d", tc.attempt)
		}
	}
}

func TestClientMessageEncoding(t *testing.T) {
	b, err := json.Marshal(newJoin("room-1"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, map[string]any{"room_id": "room-1"}, decoded["join"])
	assert.NotContains(t, decoded, "leave")
}
