package database

import (
	"context"
	"errors"
)

var ErrRoomNotFound = errors.New("room not found")

// ChatRepository reads and writes the chat server schema on behalf of one
// account.
type ChatRepository interface {
	ListRooms(ctx context.Context, accountId, limit, offset int) ([]Room, error)
	GetRoom(ctx context.Context, accountId int, externalId string) (Room, error)
	ListSubscribers(ctx context.Context, roomIds []int) (map[int][]User, error)
	LastMessages(ctx context.Context, roomIds []int) (map[int]Message, error)
	ListMessages(ctx context.Context, roomId, limit, offset int) ([]Message, error)
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	MarkRead(ctx context.Context, accountId, roomId int) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	UpdateRoom(ctx context.Context, params UpdateRoomParams) error
	DeleteRoom(ctx context.Context, roomId int) error
}
