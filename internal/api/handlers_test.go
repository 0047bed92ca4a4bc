package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/notify"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type splashOnce struct{ shown bool }

func (s *splashOnce) Splash() bool {
	if s.shown {
		return false
	}
	s.shown = true
	return true
}

func newTestServer(t *testing.T, eng Engine, opts Options) *ViewServer {
	t.Helper()
	s := NewViewServer(http.NewServeMux(), testutil.TestLogger(t), eng, stats.NewPermissiveMock(), opts)
	t.Cleanup(s.cancel)
	return s
}

func do(s *ViewServer, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, target, &buf))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func rooms(ids ...string) []engine.RoomView {
	out := make([]engine.RoomView, 0, len(ids))
	for _, id := range ids {
		out = append(out, engine.RoomView{Room: types.Room{Id: id, Kind: types.RoomKindGroup}, DisplayName: id})
	}
	return out
}

func Test_healthCheck(t *testing.T) {
	s := newTestServer(t, &MockEngine{}, Options{})

	rr := do(s, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestGetView(t *testing.T) {
	eng := &MockEngine{}
	defer eng.AssertExpectations(t)

	api := &history.MockAPI{}
	api.On("FetchNotifications", mock.Anything).Return(types.NotificationList{UnreadCount: 4}, nil)
	poller := notify.NewPoller(api, time.Minute, testutil.TestLogger(t))
	require.NoError(t, poller.Refresh(context.Background()))

	eng.On("View").Return(engine.View{ActiveRoomId: "a", Rooms: rooms("a", "b"), TotalUnread: 2})

	s := newTestServer(t, eng, Options{Notifications: poller})
	rr := do(s, http.MethodGet, "/api/view", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))

	res := decode[ViewResponse](t, rr)
	assert.Equal(t, "a", res.ActiveRoomId)
	assert.Len(t, res.Rooms, 2)
	assert.Equal(t, 2, res.TotalUnread)
	assert.Equal(t, 4, res.NotificationUnread)
}

func TestLoadMoreRooms(t *testing.T) {
	tcases := []struct {
		name       string
		query      string
		expectLoad bool
		loaded     bool
		code       int
	}{
		{
			name:       "without position always loads",
			query:      "",
			expectLoad: true,
			loaded:     true,
			code:       http.StatusOK,
		},
		{
			name:       "near the end loads",
			query:      "?last_visible=17",
			expectLoad: true,
			loaded:     true,
			code:       http.StatusOK,
		},
		{
			name:  "far from the end skips",
			query: "?last_visible=3",
			code:  http.StatusOK,
		},
		{
			name:  "custom threshold",
			query: "?last_visible=10&threshold=1",
			code:  http.StatusOK,
		},
		{
			name:  "invalid position",
			query: "?last_visible=abc",
			code:  http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &MockEngine{}
			defer eng.AssertExpectations(t)

			eng.On("View").Return(engine.View{Rooms: rooms(
				"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9",
				"r10", "r11", "r12", "r13", "r14", "r15", "r16", "r17", "r18", "r19",
			)}).Maybe()
			if tc.expectLoad {
				eng.On("LoadMoreRooms", mock.Anything).Return(tc.loaded, nil).Once()
			}

			s := newTestServer(t, eng, Options{})
			rr := do(s, http.MethodPost, "/api/rooms/more"+tc.query, nil)

			require.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, tc.loaded, decode[LoadResponse](t, rr).Loaded)
			}
			if !tc.expectLoad {
				eng.AssertNotCalled(t, "LoadMoreRooms", mock.Anything)
			}
		})
	}
}

func TestRefreshRoomsUpstreamError(t *testing.T) {
	eng := &MockEngine{}
	eng.On("Refresh", mock.Anything).Return(fmt.Errorf("refresh rooms: %w", history.NewApiError(http.StatusServiceUnavailable, "")))

	s := newTestServer(t, eng, Options{})
	rr := do(s, http.MethodPost, "/api/rooms/refresh", nil)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestActivateRoom(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		code int
	}{
		{name: "activated", code: http.StatusOK},
		{name: "superseded", err: engine.ErrSuperseded, code: http.StatusConflict},
		{name: "unauthorized", err: history.NewApiError(http.StatusUnauthorized, ""), code: http.StatusUnauthorized},
		{name: "not found", err: history.NewApiError(http.StatusNotFound, ""), code: http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &MockEngine{}
			defer eng.AssertExpectations(t)

			eng.On("Activate", mock.Anything, "room-1").Return(tc.err).Once()
			if tc.err == nil {
				eng.On("View").Return(engine.View{ActiveRoomId: "room-1"}).Once()
			}

			s := newTestServer(t, eng, Options{})
			rr := do(s, http.MethodPost, "/api/rooms/room-1/activate", nil)

			assert.Equal(t, tc.code, rr.Code)
		})
	}
}

func TestDeactivateAndMarkRead(t *testing.T) {
	eng := &MockEngine{}
	defer eng.AssertExpectations(t)

	eng.On("Deactivate").Once()
	eng.On("MarkRead", mock.Anything, "room-1").Return(nil).Once()

	s := newTestServer(t, eng, Options{})
	assert.Equal(t, http.StatusNoContent, do(s, http.MethodPost, "/api/rooms/deactivate", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(s, http.MethodPost, "/api/rooms/room-1/read", nil).Code)
}

func TestGetMessages(t *testing.T) {
	eng := &MockEngine{}
	eng.On("Messages").Return([]types.Message{{Id: "m1", Content: "hi"}}, nil).Once()
	eng.On("Messages").Return(nil, engine.ErrNoActiveRoom).Once()

	s := newTestServer(t, eng, Options{})

	rr := do(s, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	msgs := decode[[]types.Message](t, rr)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].Id)

	rr = do(s, http.MethodGet, "/api/messages", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestLoadOlder(t *testing.T) {
	eng := &MockEngine{}
	eng.On("LoadOlder", mock.Anything).Return(12, nil)

	s := newTestServer(t, eng, Options{})
	rr := do(s, http.MethodPost, "/api/messages/older", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, LoadResponse{Loaded: true, Count: 12}, decode[LoadResponse](t, rr))
}

func TestSendMessage(t *testing.T) {
	failed := types.Message{Id: "local-abc", Content: "hi", State: types.DeliveryFailed, Error: "boom"}

	tcases := []struct {
		name      string
		body      any
		msg       types.Message
		err       error
		code      int
		wantState types.DeliveryState
	}{
		{
			name:      "confirmed",
			body:      SendMessageRequest{Content: "hi"},
			msg:       types.Message{Id: "42", Content: "hi", State: types.DeliveryConfirmed},
			code:      http.StatusCreated,
			wantState: types.DeliveryConfirmed,
		},
		{
			name:      "failed delivery keeps the entry",
			body:      SendMessageRequest{Content: "hi"},
			msg:       failed,
			err:       fmt.Errorf("send message: %w", history.NewApiError(http.StatusInternalServerError, "")),
			code:      http.StatusBadGateway,
			wantState: types.DeliveryFailed,
		},
		{
			name: "empty content",
			body: SendMessageRequest{Content: "  "},
			err:  engine.ErrEmptyMessage,
			code: http.StatusBadRequest,
		},
		{
			name: "invalid json",
			body: "invalid json",
			code: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &MockEngine{}
			if req, ok := tc.body.(SendMessageRequest); ok {
				eng.On("Send", mock.Anything, req.Content).Return(tc.msg, tc.err).Once()
			}

			s := newTestServer(t, eng, Options{})
			rr := do(s, http.MethodPost, "/api/messages", tc.body)

			require.Equal(t, tc.code, rr.Code)
			if tc.wantState != "" {
				res := decode[SendMessageResponse](t, rr)
				assert.Equal(t, tc.wantState, res.Message.State)
				assert.Equal(t, tc.err != nil, res.Error != nil)
			}
			eng.AssertExpectations(t)
		})
	}
}

func TestRetryMessage(t *testing.T) {
	eng := &MockEngine{}
	defer eng.AssertExpectations(t)

	eng.On("Retry", mock.Anything, "local-abc").Return(types.Message{Id: "7", State: types.DeliveryConfirmed}, nil).Once()
	eng.On("Retry", mock.Anything, "local-zzz").Return(types.Message{}, engine.ErrNotRetryable).Once()

	s := newTestServer(t, eng, Options{})
	assert.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/api/messages/local-abc/retry", nil).Code)
	assert.Equal(t, http.StatusConflict, do(s, http.MethodPost, "/api/messages/local-zzz/retry", nil).Code)
}

func TestGroups(t *testing.T) {
	eng := &MockEngine{}
	defer eng.AssertExpectations(t)

	eng.On("CreateGroup", mock.Anything, types.GroupParams{Name: "team", Participants: []string{"2", "3"}}).
		Return(types.Room{Id: "g1", Name: "team", Kind: types.RoomKindGroup}, nil).Once()
	eng.On("UpdateGroup", mock.Anything, types.GroupParams{Id: "g1", Name: "renamed"}).
		Return(types.Room{Id: "g1", Name: "renamed", Kind: types.RoomKindGroup}, nil).Once()
	eng.On("DeleteGroup", mock.Anything, "g1").Return(nil).Once()

	s := newTestServer(t, eng, Options{})

	rr := do(s, http.MethodPost, "/api/groups", GroupRequest{Name: "team", Participants: []string{"2", "3"}})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "g1", decode[types.Room](t, rr).Id)

	rr = do(s, http.MethodPut, "/api/groups/g1", GroupRequest{Name: "renamed"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "renamed", decode[types.Room](t, rr).Name)

	assert.Equal(t, http.StatusNoContent, do(s, http.MethodDelete, "/api/groups/g1", nil).Code)

	rr = do(s, http.MethodPost, "/api/groups", GroupRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetUnread(t *testing.T) {
	eng := &MockEngine{}
	eng.On("UnreadCounts").Return(map[string]int{"a": 2, "b": 3})

	s := newTestServer(t, eng, Options{})
	rr := do(s, http.MethodGet, "/api/unread", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[UnreadResponse](t, rr)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Counts["b"])
}

func TestNotifications(t *testing.T) {
	api := &history.MockAPI{}
	api.On("FetchNotifications", mock.Anything).Return(types.NotificationList{
		Notifications: []types.Notification{{Id: "n1"}, {Id: "n2"}},
		UnreadCount:   2,
	}, nil)
	api.On("MarkNotificationRead", mock.Anything, "n1").Return(nil)

	poller := notify.NewPoller(api, time.Hour, testutil.TestLogger(t))
	s := newTestServer(t, &MockEngine{}, Options{Notifications: poller})

	rr := do(s, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[NotificationsResponse](t, rr)
	assert.False(t, res.Open)
	assert.Equal(t, 2, res.UnreadCount)

	rr = do(s, http.MethodPost, "/api/notifications/open", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, poller.IsOpen())
	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/api/notifications/open", nil).Code)

	rr = do(s, http.MethodPost, "/api/notifications/n1/read", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[NotificationsResponse](t, rr).UnreadCount)

	assert.Equal(t, http.StatusNoContent, do(s, http.MethodPost, "/api/notifications/close", nil).Code)
	assert.False(t, poller.IsOpen())
	assert.Equal(t, http.StatusNoContent, do(s, http.MethodPost, "/api/notifications/close", nil).Code)
}

func TestNotificationsUnavailable(t *testing.T) {
	s := newTestServer(t, &MockEngine{}, Options{})

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/api/notifications", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/api/notifications/open", nil).Code)
}

func TestSplash(t *testing.T) {
	s := newTestServer(t, &MockEngine{}, Options{Splash: &splashOnce{}})

	assert.True(t, decode[map[string]bool](t, do(s, http.MethodGet, "/api/session/splash", nil))["show"])
	assert.False(t, decode[map[string]bool](t, do(s, http.MethodGet, "/api/session/splash", nil))["show"])
}

func TestServeEvents(t *testing.T) {
	events := make(chan engine.Event, 4)
	unsubscribed := make(chan struct{})

	eng := &MockEngine{}
	eng.On("Subscribe").Return((<-chan engine.Event)(events), func() { close(unsubscribed) })

	decremented := make(chan struct{})
	sp := &stats.MockStatsUpdater{}
	sp.On("Incr", stats.ActiveSessions).Once()
	sp.On("Decr", stats.ActiveSessions).Run(func(mock.Arguments) { close(decremented) }).Once()

	s := NewViewServer(http.NewServeMux(), testutil.TestLogger(t), eng, sp, Options{})
	defer s.cancel()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	require.NoError(t, err)

	events <- engine.Event{Kind: engine.EventUnreadChanged, RoomId: "a", Count: 3}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev engine.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, engine.EventUnreadChanged, ev.Kind)
	assert.Equal(t, 3, ev.Count)

	conn.Close()
	select {
	case <-unsubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription to end after the client left")
	}
	select {
	case <-decremented:
	case <-time.After(2 * time.Second):
		t.Fatal("expected active session gauge to drop")
	}
	sp.AssertExpectations(t)
}

func TestFromError(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		code int
	}{
		{"no active room", engine.ErrNoActiveRoom, http.StatusConflict},
		{"room id required", engine.ErrRoomIdRequired, http.StatusBadRequest},
		{"forbidden upstream", history.NewApiError(http.StatusForbidden, ""), http.StatusForbidden},
		{"upstream failure", history.NewApiError(http.StatusInternalServerError, ""), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, fromError(tc.err).StatusCode)
		})
	}
}
