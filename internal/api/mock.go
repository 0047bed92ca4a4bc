package api

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) View() engine.View {
	args := m.Called()
	return args.Get(0).(engine.View)
}
func (m *MockEngine) Messages() ([]types.Message, error) {
	args := m.Called()
	msgs, _ := args.Get(0).([]types.Message)
	return msgs, args.Error(1)
}
func (m *MockEngine) Subscribe() (<-chan engine.Event, func()) {
	args := m.Called()
	return args.Get(0).(<-chan engine.Event), args.Get(1).(func())
}
func (m *MockEngine) Refresh(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockEngine) LoadMoreRooms(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
func (m *MockEngine) Activate(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockEngine) Deactivate() {
	m.Called()
}
func (m *MockEngine) LoadOlder(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *MockEngine) MarkRead(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockEngine) Send(ctx context.Context, content string) (types.Message, error) {
	args := m.Called(ctx, content)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockEngine) Retry(ctx context.Context, provisionalId string) (types.Message, error) {
	args := m.Called(ctx, provisionalId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockEngine) CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockEngine) UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockEngine) DeleteGroup(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockEngine) UnreadCounts() map[string]int {
	args := m.Called()
	return args.Get(0).(map[string]int)
}
