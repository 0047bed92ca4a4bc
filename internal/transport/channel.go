// Package transport owns the session's websocket connection to the message
// server. Upper layers only see discrete named events; reconnection is
// handled here and surfaces as connected and disconnected events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var ErrChannelClosed = errors.New("transport: channel closed")

type Config struct {
	URL        string
	Token      string
	SessionId  string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Handler func(*ServerMessage)

type HandlerID uint64

type Option func(*Channel)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

func WithStats(sp stats.StatsProvider) Option {
	return func(c *Channel) {
		c.stats = sp
	}
}

type Channel struct {
	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer
	stats  stats.StatsProvider

	mu        sync.Mutex
	out       chan []byte
	connected bool
	started   bool
	closed    bool
	rooms     map[string]struct{}
	handlers  map[Event]map[HandlerID]Handler
	nextId    HandlerID
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewChannel(cfg Config, logger zerolog.Logger, opts ...Option) *Channel {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}

	c := &Channel{
		cfg:      cfg,
		log:      logger,
		dialer:   websocket.DefaultDialer,
		rooms:    make(map[string]struct{}),
		handlers: make(map[Event]map[HandlerID]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open returns a connected channel. Callers release it with Close.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...Option) (*Channel, error) {
	c := NewChannel(cfg, logger, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect dials the server and keeps the connection alive until Close.
// Calling it again after a successful Connect is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		cancel()
		conn.Close()
		return ErrChannelClosed
	}
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx, conn)

	return nil
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// Close tears the connection down and stops reconnecting. It emits
// disconnected if a connection was up. Close must not be called from a
// handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.Debug().Msg("transport closed")
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.SessionId != "" {
		header.Set("X-Client-Session", c.cfg.SessionId)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, history.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Channel) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		var err error
		for attempt := 0; ; attempt++ {
			if !sleepCtx(ctx, c.backoff(attempt)) {
				return
			}
			if conn, err = c.dial(ctx); err == nil {
				break
			}
			if errors.Is(err, history.ErrUnauthorized) {
				c.log.Error().Err(err).Msg("server rejected session, not reconnecting")
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
		}

		if c.stats != nil {
			c.stats.Incr(stats.Reconnects)
		}
		c.log.Info().Msg("reconnected")
	}
}

// backoff returns a jittered delay between half and all of the exponential
// step for attempt.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.MinBackoff << min(attempt, 16)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs the pumps for one connection and returns when it drops.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	out := c.attach()
	c.emit(&ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}, Event: EventConnected})

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx, conn, out, done)
	}()

	c.readPump(conn)
	close(done)
	<-writerDone

	c.detach()
	c.emit(&ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}, Event: EventDisconnected})
}

// attach marks the channel connected and queues joins for every room the
// session is viewing.
func (c *Channel) attach() chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.out = make(chan []byte, sendBufferSize)
	c.connected = true
	for _, roomId := range slices.Sorted(maps.Keys(c.rooms)) {
		c.queueLocked(newJoin(roomId))
	}
	return c.out
}

func (c *Channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.out = nil
	c.connected = false
}

func (c *Channel) queueLocked(msg *ClientMessage) bool {
	if c.out == nil {
		return false
	}

	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return false
	}

	select {
	case c.out <- b:
	default:
		c.log.Warn().Msg("send buffer full, dropping message")
		return false
	}
	return true
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case b := <-out:
			if !c.write(conn, websocket.TextMessage, b) {
				return
			}
		case <-ticker.C:
			if !c.write(conn, websocket.PingMessage, nil) {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, msgType int, b []byte) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteMessage(msgType, b); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}
	return true
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read message")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed event")
			continue
		}

		switch msg.Event {
		case EventNewMessage, EventUnreadCountChanged, EventMessageRead:
			c.emit(&msg)
		default:
			c.log.Debug().Str("event", string(msg.Event)).Msg("ignoring event")
		}
	}
}

// JoinRoom marks roomId as being viewed. Joins are remembered and re-sent
// after a reconnect.
func (c *Channel) JoinRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if roomId == "" || c.closed {
		return
	}
	if _, ok := c.rooms[roomId]; ok {
		return
	}
	c.rooms[roomId] = struct{}{}
	c.queueLocked(newJoin(roomId))
}

// LeaveRoom undoes JoinRoom. Leaving a room that was not joined is a no-op.
func (c *Channel) LeaveRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[roomId]; !ok {
		return
	}
	delete(c.rooms, roomId)
	c.queueLocked(newLeave(roomId))
}

func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Sorted(maps.Keys(c.rooms))
}

func (c *Channel) On(event Event, h Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextId++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[HandlerID]Handler)
	}
	c.handlers[event][c.nextId] = h
	return c.nextId
}

func (c *Channel) Off(event Event, id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers[event], id)
}

// emit calls handlers in registration order, outside the lock.
func (c *Channel) emit(msg *ServerMessage) {
	c.mu.Lock()
	registered := c.handlers[msg.Event]
	handlers := make([]Handler, 0, len(registered))
	for _, id := range slices.Sorted(maps.Keys(registered)) {
		handlers = append(handlers, registered[id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}
