package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) ListRooms(ctx context.Context, accountId, limit, offset int) ([]Room, error) {
	args := m.Called(ctx, accountId, limit, offset)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, accountId int, externalId string) (Room, error) {
	args := m.Called(ctx, accountId, externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) ListSubscribers(ctx context.Context, roomIds []int) (map[int][]User, error) {
	args := m.Called(ctx, roomIds)
	return args.Get(0).(map[int][]User), args.Error(1)
}
func (m *MockChatRepository) LastMessages(ctx context.Context, roomIds []int) (map[int]Message, error) {
	args := m.Called(ctx, roomIds)
	return args.Get(0).(map[int]Message), args.Error(1)
}
func (m *MockChatRepository) ListMessages(ctx context.Context, roomId, limit, offset int) ([]Message, error) {
	args := m.Called(ctx, roomId, limit, offset)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) MarkRead(ctx context.Context, accountId, roomId int) error {
	args := m.Called(ctx, accountId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) UpdateRoom(ctx context.Context, params UpdateRoomParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteRoom(ctx context.Context, roomId int) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
