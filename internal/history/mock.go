package history

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) FetchRooms(ctx context.Context, page, limit int) (types.RoomPage, error) {
	args := m.Called(ctx, page, limit)
	return args.Get(0).(types.RoomPage), args.Error(1)
}
func (m *MockAPI) FetchRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockAPI) FetchMessages(ctx context.Context, roomId string, page, limit int) (types.MessagePage, error) {
	args := m.Called(ctx, roomId, page, limit)
	return args.Get(0).(types.MessagePage), args.Error(1)
}
func (m *MockAPI) SendMessage(ctx context.Context, roomId, content string) (types.Message, error) {
	args := m.Called(ctx, roomId, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockAPI) MarkRoomRead(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockAPI) CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockAPI) UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockAPI) DeleteGroup(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockAPI) FetchNotifications(ctx context.Context) (types.NotificationList, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.NotificationList), args.Error(1)
}
func (m *MockAPI) MarkNotificationRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
