package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

// PgHistory serves the history API straight from the chat server's
// database for a single account. Rooms are addressed by their external id.
type PgHistory struct {
	repo ChatRepository
	self int
	log  zerolog.Logger
}

var _ history.API = (*PgHistory)(nil)

func NewPgHistory(repo ChatRepository, selfId string, logger zerolog.Logger) (*PgHistory, error) {
	self, err := strconv.Atoi(selfId)
	if err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", selfId, err)
	}

	return &PgHistory{repo: repo, self: self, log: logger}, nil
}

func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func (h *PgHistory) FetchRooms(ctx context.Context, page, limit int) (types.RoomPage, error) {
	// one extra row tells whether another page exists
	rows, err := h.repo.ListRooms(ctx, h.self, limit+1, offset(page, limit))
	if err != nil {
		return types.RoomPage{}, h.internal(err)
	}

	res := types.RoomPage{HasMore: len(rows) > limit}
	if res.HasMore {
		rows = rows[:limit]
		res.NextPage = max(page, 1) + 1
	}

	res.Rooms, err = h.toRooms(ctx, rows)
	if err != nil {
		return types.RoomPage{}, h.internal(err)
	}
	return res, nil
}

func (h *PgHistory) FetchRoom(ctx context.Context, roomId string) (types.Room, error) {
	row, err := h.room(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}

	rooms, err := h.toRooms(ctx, []Room{row})
	if err != nil {
		return types.Room{}, h.internal(err)
	}
	return rooms[0], nil
}

func (h *PgHistory) FetchMessages(ctx context.Context, roomId string, page, limit int) (types.MessagePage, error) {
	room, err := h.room(ctx, roomId)
	if err != nil {
		return types.MessagePage{}, err
	}

	rows, err := h.repo.ListMessages(ctx, room.Id, limit+1, offset(page, limit))
	if err != nil {
		return types.MessagePage{}, h.internal(err)
	}

	res := types.MessagePage{HasMore: len(rows) > limit}
	if res.HasMore {
		rows = rows[:limit]
	}

	res.Messages = make([]types.Message, 0, len(rows))
	for _, m := range rows {
		res.Messages = append(res.Messages, toMessage(m, room.ExternalId))
	}
	return res, nil
}

func (h *PgHistory) SendMessage(ctx context.Context, roomId, content string) (types.Message, error) {
	room, err := h.room(ctx, roomId)
	if err != nil {
		return types.Message{}, err
	}

	msg, err := h.repo.CreateMessage(ctx, Message{
		RoomId:  room.Id,
		UserId:  h.self,
		Content: content,
	})
	if err != nil {
		return types.Message{}, h.internal(err)
	}

	return toMessage(msg, room.ExternalId), nil
}

func (h *PgHistory) MarkRoomRead(ctx context.Context, roomId string) error {
	room, err := h.room(ctx, roomId)
	if err != nil {
		return err
	}

	if err := h.repo.MarkRead(ctx, h.self, room.Id); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return history.NewApiError(http.StatusNotFound, "")
		}
		return h.internal(err)
	}
	return nil
}

func (h *PgHistory) CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	externalId, err := shortid.Generate()
	if err != nil {
		return types.Room{}, h.internal(err)
	}

	members, err := accountIds(params.Participants)
	if err != nil {
		return types.Room{}, history.NewApiError(http.StatusBadRequest, err.Error())
	}

	row, err := h.repo.CreateRoom(ctx, CreateRoomParams{
		Name:       params.Name,
		ExternalId: externalId,
		OwnerId:    h.self,
		Members:    members,
	})
	if err != nil {
		return types.Room{}, h.internal(err)
	}

	h.log.Debug().Str("room_id", row.ExternalId).Int("members", len(members)).Msg("created group")
	return h.FetchRoom(ctx, row.ExternalId)
}

func (h *PgHistory) UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	room, err := h.ownedRoom(ctx, params.Id)
	if err != nil {
		return types.Room{}, err
	}

	update := UpdateRoomParams{RoomId: room.Id, Name: params.Name}
	if len(params.Participants) > 0 {
		if update.Members, err = accountIds(params.Participants); err != nil {
			return types.Room{}, history.NewApiError(http.StatusBadRequest, err.Error())
		}
	}

	if err := h.repo.UpdateRoom(ctx, update); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return types.Room{}, history.NewApiError(http.StatusNotFound, "")
		}
		return types.Room{}, h.internal(err)
	}

	return h.FetchRoom(ctx, room.ExternalId)
}

func (h *PgHistory) DeleteGroup(ctx context.Context, roomId string) error {
	room, err := h.ownedRoom(ctx, roomId)
	if err != nil {
		return err
	}

	if err := h.repo.DeleteRoom(ctx, room.Id); err != nil {
		return h.internal(err)
	}
	return nil
}

func (h *PgHistory) room(ctx context.Context, externalId string) (Room, error) {
	room, err := h.repo.GetRoom(ctx, h.self, externalId)
	if errors.Is(err, ErrRoomNotFound) {
		return Room{}, history.NewApiError(http.StatusNotFound, "room not found")
	}
	if err != nil {
		return Room{}, h.internal(err)
	}
	return room, nil
}

func (h *PgHistory) ownedRoom(ctx context.Context, externalId string) (Room, error) {
	room, err := h.room(ctx, externalId)
	if err != nil {
		return Room{}, err
	}
	if room.OwnerId != h.self {
		return Room{}, history.NewApiError(http.StatusForbidden, "only the owner can modify this group")
	}
	return room, nil
}

func (h *PgHistory) internal(err error) error {
	h.log.Error().Err(err).Msg("database error")
	return &history.ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    "internal server error",
		Err:        err,
	}
}

func (h *PgHistory) toRooms(ctx context.Context, rows []Room) ([]types.Room, error) {
	if len(rows) == 0 {
		return []types.Room{}, nil
	}

	ids := make([]int, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Id)
	}

	subs, err := h.repo.ListSubscribers(ctx, ids)
	if err != nil {
		return nil, err
	}
	last, err := h.repo.LastMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	rooms := make([]types.Room, 0, len(rows))
	for _, r := range rows {
		var lm *Message
		if m, ok := last[r.Id]; ok {
			lm = &m
		}
		rooms = append(rooms, h.toRoom(r, subs[r.Id], lm))
	}
	return rooms, nil
}

// toRoom converts a room row. Unnamed rooms with exactly two subscribers are
// direct conversations.
func (h *PgHistory) toRoom(r Room, subs []User, last *Message) types.Room {
	room := types.Room{
		Id:           r.ExternalId,
		Kind:         types.RoomKindGroup,
		Name:         r.Name,
		Participants: make([]types.Participant, 0, len(subs)),
		LastActivity: r.UpdatedAt,
		UnreadCounts: []types.UnreadCount{{
			User:  types.ParticipantFromID(strconv.Itoa(h.self)),
			Count: max(r.SeqId-r.LastReadSeqId, 0),
		}},
	}
	if r.Name == "" && len(subs) == 2 {
		room.Kind = types.RoomKindDirect
	}

	for _, u := range subs {
		room.Participants = append(room.Participants, types.ParticipantFromUser(toUser(u)))
	}

	if last != nil {
		msg := toMessage(*last, r.ExternalId)
		room.LastMessage = &types.MessageSummary{
			Content:   msg.Content,
			Sender:    msg.Sender,
			CreatedAt: msg.CreatedAt,
		}
		if msg.CreatedAt.After(room.LastActivity) {
			room.LastActivity = msg.CreatedAt
		}
	}

	return room
}

func toUser(u User) types.User {
	return types.User{Id: strconv.Itoa(u.Id), Username: u.Username}
}

func toMessage(m Message, roomId string) types.Message {
	sender := types.ParticipantFromID(strconv.Itoa(m.UserId))
	if m.Username != "" {
		sender = types.ParticipantFromUser(toUser(User{Id: m.UserId, Username: m.Username}))
	}

	return types.Message{
		Id:        strconv.Itoa(m.Id),
		RoomId:    roomId,
		Sender:    sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
		State:     types.DeliveryConfirmed,
	}
}

func accountIds(ids []string) ([]int, error) {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.Atoi(id)
		if err != nil {
			return nil, fmt.Errorf("invalid participant id %q", id)
		}
		out = append(out, n)
	}
	return out, nil
}
