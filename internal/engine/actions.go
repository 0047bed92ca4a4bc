package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
	"golang.org/x/sync/errgroup"
)

// Refresh reloads the first room page and reseeds unread counters. Counters
// cleared optimistically by a read that never reached the server are
// restored from the fresh page.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ok, err := c.rooms.LoadFirstPage(ctx)
	if err != nil {
		return fmt.Errorf("refresh rooms: %w", err)
	}
	if ok {
		c.publish(Event{Kind: EventRoomsChanged})
	}
	return nil
}

// LoadMoreRooms appends the next room page. It reports false when there is
// nothing to load or a page is already being fetched.
func (c *Coordinator) LoadMoreRooms(ctx context.Context) (bool, error) {
	ok, err := c.rooms.LoadNextPage(ctx)
	if err != nil {
		return false, fmt.Errorf("load more rooms: %w", err)
	}
	if ok {
		c.publish(Event{Kind: EventRoomsChanged})
	}
	return ok, nil
}

// Activate makes roomId the active room. The previous room is left and its
// timeline discarded, the new room's unread counter is cleared, and its
// newest history page is fetched while the read acknowledgement is sent.
func (c *Coordinator) Activate(ctx context.Context, roomId string) error {
	if roomId == "" {
		return ErrRoomIdRequired
	}

	c.mu.Lock()
	if c.active == roomId && c.timeline != nil {
		c.mu.Unlock()
		return nil
	}
	c.switchLocked(roomId)
	tl := c.timeline
	c.mu.Unlock()

	c.log.Debug().Str("room_id", roomId).Msg("activated room")
	c.publish(Event{Kind: EventActiveChanged, RoomId: roomId})
	c.publish(Event{Kind: EventUnreadChanged, RoomId: roomId})

	var g errgroup.Group
	g.Go(func() error {
		if _, err := tl.LoadOlder(ctx); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.api.MarkRoomRead(ctx, roomId); err != nil {
			return fmt.Errorf("mark room read: %w", err)
		}
		return nil
	})
	err := g.Wait()

	if tl.Closed() || errors.Is(err, timeline.ErrClosed) {
		c.incr(stats.StaleResponses)
		return ErrSuperseded
	}

	c.publish(Event{Kind: EventTimelineChanged, RoomId: roomId})
	c.publish(Event{Kind: EventScrollToLatest, RoomId: roomId})
	return err
}

// switchLocked leaves the current room and installs a fresh timeline for
// roomId, or none when roomId is empty.
func (c *Coordinator) switchLocked(roomId string) {
	if c.active != "" {
		c.transport.LeaveRoom(c.active)
	}
	if c.timeline != nil {
		c.timeline.Close()
		c.timeline = nil
	}

	c.active = roomId
	if roomId != "" {
		c.timeline = timeline.New(roomId, c.api, c.cfg.MessagePageSize, c.log.With().Str("component", "timeline").Logger())
		c.transport.JoinRoom(roomId)
	}
	c.unread.SetActive(roomId)
}

// Deactivate leaves the active room, if any.
func (c *Coordinator) Deactivate() {
	c.mu.Lock()
	if c.active == "" {
		c.mu.Unlock()
		return
	}
	prev := c.active
	c.switchLocked("")
	c.mu.Unlock()

	c.log.Debug().Str("room_id", prev).Msg("deactivated room")
	c.publish(Event{Kind: EventActiveChanged})
}

// LoadOlder prepends the next older page of the active room's history.
func (c *Coordinator) LoadOlder(ctx context.Context) (int, error) {
	_, tl := c.current()
	if tl == nil {
		return 0, ErrNoActiveRoom
	}

	n, err := tl.LoadOlder(ctx)
	if errors.Is(err, timeline.ErrClosed) {
		c.incr(stats.StaleResponses)
		return 0, ErrSuperseded
	}
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.publish(Event{Kind: EventTimelineChanged, RoomId: tl.RoomId()})
	}
	return n, nil
}

// MarkRead clears roomId's counter right away and acknowledges the read to
// the server. An empty roomId means the active room.
func (c *Coordinator) MarkRead(ctx context.Context, roomId string) error {
	if roomId == "" {
		roomId = c.ActiveRoom()
	}
	if roomId == "" {
		return ErrNoActiveRoom
	}

	if c.unread.Clear(roomId) {
		c.publish(Event{Kind: EventUnreadChanged, RoomId: roomId})
	}
	if err := c.api.MarkRoomRead(ctx, roomId); err != nil {
		return fmt.Errorf("mark room read: %w", err)
	}
	return nil
}

// Send appends content to the active room as a pending entry and delivers
// it. A failed send stays in the timeline marked failed and can be retried.
func (c *Coordinator) Send(ctx context.Context, content string) (types.Message, error) {
	if types.NormalizeContent(content) == "" {
		return types.Message{}, ErrEmptyMessage
	}

	roomId, tl := c.current()
	if tl == nil {
		return types.Message{}, ErrNoActiveRoom
	}

	pending := types.Message{
		Id:        provisionalId(),
		RoomId:    roomId,
		Sender:    c.self,
		Content:   content,
		CreatedAt: c.now().UTC(),
		State:     types.DeliveryPending,
	}
	if !tl.AppendPending(pending) {
		return types.Message{}, ErrSuperseded
	}
	c.publish(Event{Kind: EventTimelineChanged, RoomId: roomId})
	c.publish(Event{Kind: EventScrollToLatest, RoomId: roomId})

	return c.deliver(ctx, tl, pending)
}

// Retry resends a failed entry of the active room.
func (c *Coordinator) Retry(ctx context.Context, provisionalId string) (types.Message, error) {
	_, tl := c.current()
	if tl == nil {
		return types.Message{}, ErrNoActiveRoom
	}

	m, ok := tl.Lookup(provisionalId)
	if !ok || m.State != types.DeliveryFailed {
		return types.Message{}, ErrNotRetryable
	}
	tl.MarkPending(provisionalId)
	c.publish(Event{Kind: EventTimelineChanged, RoomId: m.RoomId})

	return c.deliver(ctx, tl, m)
}

func (c *Coordinator) deliver(ctx context.Context, tl *timeline.Timeline, pending types.Message) (types.Message, error) {
	confirmed, err := c.api.SendMessage(ctx, pending.RoomId, pending.Content)
	if tl.Closed() {
		// the next activation of the room loads the message from history
		c.incr(stats.StaleResponses)
		if err != nil {
			return types.Message{}, fmt.Errorf("send message: %w", err)
		}
		return confirmed, ErrSuperseded
	}

	if err != nil {
		c.incr(stats.SendFailures)
		tl.MarkFailed(pending.Id, err)
		c.publish(Event{Kind: EventTimelineChanged, RoomId: pending.RoomId})

		failed, ok := tl.Lookup(pending.Id)
		if !ok {
			failed = pending
		}
		return failed, fmt.Errorf("send message: %w", err)
	}

	if confirmed.RoomId == "" {
		confirmed.RoomId = pending.RoomId
	}
	if confirmed.Sender.IsZero() {
		confirmed.Sender = pending.Sender
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}
	confirmed.State = types.DeliveryConfirmed

	if tl.Confirm(pending.Id, confirmed).Changed() {
		c.publish(Event{Kind: EventTimelineChanged, RoomId: pending.RoomId})
	}
	c.recordActivity(confirmed)
	return confirmed, nil
}

// CreateGroup shows an optimistic copy of the new group until the server
// answers. On failure the copy stays visible, marked failed.
func (c *Coordinator) CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	localId := provisionalId()
	optimistic := types.Room{
		Id:           localId,
		Kind:         types.RoomKindGroup,
		Name:         params.Name,
		Participants: c.participants(params.Participants),
		LastActivity: c.now().UTC(),
		State:        types.DeliveryPending,
	}
	c.rooms.Put(optimistic)
	c.publish(Event{Kind: EventRoomsChanged, RoomId: localId})

	room, err := c.api.CreateGroup(ctx, params)
	if err != nil {
		c.markRoomFailed(localId, err)
		return optimistic, fmt.Errorf("create group: %w", err)
	}

	c.rooms.Replace(localId, room)
	c.publish(Event{Kind: EventRoomsChanged, RoomId: room.Id})
	return room, nil
}

// UpdateGroup applies the new name and participants optimistically.
func (c *Coordinator) UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	if params.Id == "" {
		return types.Room{}, ErrRoomIdRequired
	}

	updated := c.rooms.Update(params.Id, func(r *types.Room) {
		if params.Name != "" {
			r.Name = params.Name
		}
		if len(params.Participants) > 0 {
			r.Participants = c.participants(params.Participants)
		}
		r.State = types.DeliveryPending
		r.Error = ""
	})
	if updated {
		c.publish(Event{Kind: EventRoomsChanged, RoomId: params.Id})
	}

	room, err := c.api.UpdateGroup(ctx, params)
	if err != nil {
		c.markRoomFailed(params.Id, err)
		return types.Room{}, fmt.Errorf("update group: %w", err)
	}

	room.State = ""
	c.rooms.Put(room)
	c.publish(Event{Kind: EventRoomsChanged, RoomId: room.Id})
	return room, nil
}

// DeleteGroup removes the group once the server confirms. The room is
// marked pending meanwhile and failed if the server refuses.
func (c *Coordinator) DeleteGroup(ctx context.Context, roomId string) error {
	if roomId == "" {
		return ErrRoomIdRequired
	}

	if c.rooms.Update(roomId, func(r *types.Room) { r.State = types.DeliveryPending; r.Error = "" }) {
		c.publish(Event{Kind: EventRoomsChanged, RoomId: roomId})
	}

	if err := c.api.DeleteGroup(ctx, roomId); err != nil {
		c.markRoomFailed(roomId, err)
		return fmt.Errorf("delete group: %w", err)
	}

	if c.ActiveRoom() == roomId {
		c.Deactivate()
	}
	c.rooms.Remove(roomId)
	c.unread.Forget(roomId)
	c.publish(Event{Kind: EventRoomsChanged, RoomId: roomId})
	return nil
}

func (c *Coordinator) markRoomFailed(roomId string, cause error) {
	if c.rooms.Update(roomId, func(r *types.Room) { r.State = types.DeliveryFailed; r.Error = cause.Error() }) {
		c.publish(Event{Kind: EventRoomsChanged, RoomId: roomId})
	}
}

// participants builds the participant list for a local room copy, with the
// session user included.
func (c *Coordinator) participants(ids []string) []types.Participant {
	out := make([]types.Participant, 0, len(ids)+1)
	if !c.self.IsZero() {
		out = append(out, c.self)
	}
	for _, id := range ids {
		p := types.ParticipantFromID(id)
		if p.IsZero() || slices.ContainsFunc(out, func(e types.Participant) bool { return e.UserID() == id }) {
			continue
		}
		out = append(out, p)
	}
	return out
}
