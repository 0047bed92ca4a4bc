// Package history defines the request/response collaborator the sync engine
// reads paginated history from and sends mutations to.
package history

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// API is the History/Mutation API. Message pages may be returned in either
// chronological direction.
type API interface {
	FetchRooms(ctx context.Context, page, limit int) (types.RoomPage, error)
	FetchRoom(ctx context.Context, roomId string) (types.Room, error)
	FetchMessages(ctx context.Context, roomId string, page, limit int) (types.MessagePage, error)
	SendMessage(ctx context.Context, roomId, content string) (types.Message, error)
	MarkRoomRead(ctx context.Context, roomId string) error
	CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error)
	UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error)
	DeleteGroup(ctx context.Context, roomId string) error
}

// NotificationAPI is the part of the notification center shared with
// messaging.
type NotificationAPI interface {
	FetchNotifications(ctx context.Context) (types.NotificationList, error)
	MarkNotificationRead(ctx context.Context, id string) error
}
