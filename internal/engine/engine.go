// Package engine coordinates the room index, the active room's timeline and
// the unread tracker, and routes live transport events between them.
//
// The Coordinator is the single authority on which room is active. Live
// messages for the active room go to its Timeline; messages for any other
// room only move that room's unread counter. Room metadata used to classify
// events is read from the room index snapshot at the moment the event is
// handled.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/roomindex"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/npezzotti/go-chatsync/internal/unread"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	provisionalPrefix = "local-"
	roomFetchTimeout  = 10 * time.Second
)

var (
	ErrSuperseded     = errors.New("room is no longer active")
	ErrNoActiveRoom   = errors.New("no active room")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotRetryable   = errors.New("message is not a failed send")
	ErrRoomIdRequired = errors.New("room id is required")
)

// Transport is the part of the transport channel the coordinator drives.
type Transport interface {
	JoinRoom(roomId string)
	LeaveRoom(roomId string)
	On(event transport.Event, h transport.Handler) transport.HandlerID
	Off(event transport.Event, id transport.HandlerID)
}

type Config struct {
	SelfId          string
	RoomPageSize    int
	MessagePageSize int
}

type Coordinator struct {
	cfg       Config
	self      types.Participant
	api       history.API
	transport Transport
	rooms     *roomindex.Index
	unread    *unread.Tracker
	stats     stats.StatsProvider
	log       zerolog.Logger
	events    broadcaster
	now       func() time.Time

	mu           sync.Mutex
	active       string
	timeline     *timeline.Timeline
	handlers     map[transport.Event]transport.HandlerID
	connected    bool
	disconnected bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func New(cfg Config, api history.API, tr Transport, sp stats.StatsProvider, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		self:      types.ParticipantFromID(cfg.SelfId),
		api:       api,
		transport: tr,
		unread:    unread.NewTracker(),
		stats:     sp,
		log:       logger,
		now:       time.Now,
		handlers:  make(map[transport.Event]transport.HandlerID),
	}
	c.rooms = roomindex.New(&seedingFetcher{api: api, c: c}, cfg.RoomPageSize, logger.With().Str("component", "roomindex").Logger())
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	return c
}

// seedingFetcher captures an unread mark before every room page fetch and
// seeds the tracker from the page it returns, so only rooms in that page are
// seeded and only if nothing changed them locally in the meantime.
type seedingFetcher struct {
	api history.API
	c   *Coordinator
}

func (f *seedingFetcher) FetchRooms(ctx context.Context, page, limit int) (types.RoomPage, error) {
	mark := f.c.unread.Mark()
	res, err := f.api.FetchRooms(ctx, page, limit)
	if err != nil {
		return res, err
	}
	f.c.seed(mark, res.Rooms)
	return res, nil
}

func (c *Coordinator) seed(mark unread.Mark, rooms []types.Room) {
	counts := make(map[string]int, len(rooms))
	for _, r := range rooms {
		counts[r.Id] = r.UnreadFor(c.cfg.SelfId)
	}
	for _, roomId := range c.unread.Seed(mark, counts) {
		c.publish(Event{Kind: EventUnreadChanged, RoomId: roomId, Count: c.unread.Count(roomId)})
	}
}

func (c *Coordinator) Rooms() *roomindex.Index {
	return c.rooms
}

func (c *Coordinator) Unread() *unread.Tracker {
	return c.unread
}

// UnreadCounts returns a copy of the per-room unread counters.
func (c *Coordinator) UnreadCounts() map[string]int {
	return c.unread.Counts()
}

func (c *Coordinator) SelfId() string {
	return c.cfg.SelfId
}

// Start registers the coordinator's transport handlers.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.handlers) > 0 {
		return
	}
	c.handlers[transport.EventNewMessage] = c.transport.On(transport.EventNewMessage, c.handleNewMessage)
	c.handlers[transport.EventUnreadCountChanged] = c.transport.On(transport.EventUnreadCountChanged, c.handleUnreadCountChanged)
	c.handlers[transport.EventMessageRead] = c.transport.On(transport.EventMessageRead, c.handleMessageRead)
	c.handlers[transport.EventConnected] = c.transport.On(transport.EventConnected, c.handleConnected)
	c.handlers[transport.EventDisconnected] = c.transport.On(transport.EventDisconnected, c.handleDisconnected)
}

// Stop deregisters handlers, leaves the active room and waits for
// background work started by events.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	for ev, id := range c.handlers {
		c.transport.Off(ev, id)
	}
	clear(c.handlers)
	c.mu.Unlock()

	c.Deactivate()
	c.bgCancel()
	c.bg.Wait()
}

// Subscribe streams change events until the returned cancel function is
// called.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

func (c *Coordinator) publish(ev Event) {
	c.events.publish(ev)
}

func (c *Coordinator) current() (string, *timeline.Timeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active, c.timeline
}

// ActiveRoom returns the id of the active room or an empty string.
func (c *Coordinator) ActiveRoom() string {
	roomId, _ := c.current()
	return roomId
}

func (c *Coordinator) incr(name string) {
	if c.stats != nil {
		c.stats.Incr(name)
	}
}

func provisionalId() string {
	id, err := shortid.Generate()
	if err != nil {
		id = uuid.NewString()
	}
	return provisionalPrefix + id
}

// View returns a copy of the current state for rendering.
func (c *Coordinator) View() View {
	c.mu.Lock()
	active, tl, connected := c.active, c.timeline, c.connected
	c.mu.Unlock()

	snap := c.rooms.Snapshot()
	counts := c.unread.Counts()

	rooms := make([]RoomView, 0, snap.Len())
	for _, r := range snap.Rooms() {
		rooms = append(rooms, RoomView{
			Room:        r,
			DisplayName: r.DisplayName(c.cfg.SelfId),
			Unread:      counts[r.Id],
		})
	}

	v := View{
		ActiveRoomId: active,
		Rooms:        rooms,
		HasMoreRooms: snap.HasMore,
		LoadingRooms: snap.Loading,
		Messages:     []types.Message{},
		TotalUnread:  c.unread.Total(),
		Connected:    connected,
	}
	if tl != nil {
		v.Messages = tl.Messages()
		cur := tl.Cursor()
		v.Cursor = &cur
	}
	return v
}

// Messages returns the active room's merged timeline.
func (c *Coordinator) Messages() ([]types.Message, error) {
	_, tl := c.current()
	if tl == nil {
		return nil, ErrNoActiveRoom
	}
	return tl.Messages(), nil
}

func (c *Coordinator) handleNewMessage(msg *transport.ServerMessage) {
	if msg.NewMessage == nil {
		return
	}
	m := msg.NewMessage.Normalize()
	if m.RoomId == "" {
		c.log.Warn().Str("message_id", m.Id).Msg("dropping message without room")
		return
	}
	c.incr(stats.LiveEvents)

	// classification must come from the snapshot current at this moment
	room, known := c.rooms.Snapshot().Lookup(m.RoomId)
	kind := msg.NewMessage.RoomKind
	if known {
		kind = room.Kind
		if p, ok := room.Participant(m.Sender.UserID()); ok && p.User != nil {
			m.Sender = m.Sender.WithUser(*p.User)
		}
		c.recordActivity(m)
	} else {
		c.fetchUnknownRoom(m.RoomId)
	}

	// routing and ingest share the lock so a concurrent switch cannot close
	// the timeline between them
	c.mu.Lock()
	routed := m.RoomId == c.active && c.timeline != nil
	var res timeline.IngestResult
	if routed {
		c.unread.Seen(m.RoomId, m.Id)
		res = c.timeline.IngestLive(m)
	}
	c.mu.Unlock()

	if routed {
		c.log.Debug().Str("room_id", m.RoomId).Str("message_id", m.Id).Stringer("result", res).Msg("live message")
		if res == timeline.Duplicate {
			c.incr(stats.DuplicateEvents)
		}
		if res.Changed() {
			c.publish(Event{Kind: EventTimelineChanged, RoomId: m.RoomId})
			c.publish(Event{Kind: EventScrollToLatest, RoomId: m.RoomId})
		}
		return
	}

	if m.Sender.UserID() == c.cfg.SelfId {
		return
	}
	if !c.unread.Increment(m.RoomId, m.Id) {
		c.incr(stats.DuplicateEvents)
		return
	}
	c.incr(stats.UnreadIncrements)

	c.publish(Event{Kind: EventUnreadChanged, RoomId: m.RoomId, Count: c.unread.Count(m.RoomId)})
	c.publish(Event{
		Kind:       EventMessageReceived,
		RoomId:     m.RoomId,
		RoomKind:   kind,
		Message:    &m,
		SenderName: senderName(m.Sender),
	})
}

func senderName(p types.Participant) string {
	if name := p.DisplayName(); name != "" {
		return name
	}
	return p.UserID()
}

// recordActivity updates the room's last message summary in place. Rooms
// are not reordered.
func (c *Coordinator) recordActivity(m types.Message) {
	changed := c.rooms.Update(m.RoomId, func(r *types.Room) {
		if !m.CreatedAt.IsZero() && m.CreatedAt.Before(r.LastActivity) {
			return
		}
		r.LastMessage = &types.MessageSummary{Content: m.Content, Sender: m.Sender, CreatedAt: m.CreatedAt}
		r.LastActivity = m.CreatedAt
	})
	if changed {
		c.publish(Event{Kind: EventRoomsChanged, RoomId: m.RoomId})
	}
}

// fetchUnknownRoom loads a room the index has not seen, such as a direct
// conversation another user just started.
func (c *Coordinator) fetchUnknownRoom(roomId string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()

		ctx, cancel := context.WithTimeout(c.bgCtx, roomFetchTimeout)
		defer cancel()

		room, err := c.api.FetchRoom(ctx, roomId)
		if err != nil {
			c.log.Warn().Err(err).Str("room_id", roomId).Msg("failed to fetch room")
			return
		}
		if _, ok := c.rooms.Snapshot().Lookup(roomId); ok {
			return
		}
		c.rooms.Put(room)
		c.publish(Event{Kind: EventRoomsChanged, RoomId: roomId})
	}()
}

func (c *Coordinator) handleUnreadCountChanged(msg *transport.ServerMessage) {
	p := msg.UnreadCountChanged
	if p == nil || p.RoomId == "" {
		return
	}
	if c.unread.Set(p.RoomId, p.Count) {
		c.publish(Event{Kind: EventUnreadChanged, RoomId: p.RoomId, Count: c.unread.Count(p.RoomId)})
	}
}

func (c *Coordinator) handleMessageRead(msg *transport.ServerMessage) {
	p := msg.MessageRead
	if p == nil || p.User.UserID() != c.cfg.SelfId {
		return
	}
	if c.unread.Clear(p.RoomId) {
		c.publish(Event{Kind: EventUnreadChanged, RoomId: p.RoomId})
	}
}

func (c *Coordinator) handleConnected(*transport.ServerMessage) {
	c.mu.Lock()
	c.connected = true
	resync := c.disconnected
	c.disconnected = false
	c.mu.Unlock()

	c.publish(Event{Kind: EventConnection, Connected: true})

	if resync {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.resync(c.bgCtx)
		}()
	}
}

func (c *Coordinator) handleDisconnected(*transport.ServerMessage) {
	c.mu.Lock()
	c.connected = false
	c.disconnected = true
	c.mu.Unlock()

	c.publish(Event{Kind: EventConnection, Connected: false})
}

// resync catches up on whatever the live stream missed while disconnected.
func (c *Coordinator) resync(ctx context.Context) {
	if _, tl := c.current(); tl != nil {
		n, err := tl.Resync(ctx)
		switch {
		case errors.Is(err, timeline.ErrClosed):
			c.incr(stats.StaleResponses)
		case err != nil:
			c.log.Warn().Err(err).Msg("timeline resync failed")
		case n > 0:
			c.publish(Event{Kind: EventTimelineChanged, RoomId: tl.RoomId()})
		}
	}

	if err := c.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("room index refresh failed")
	}
}
