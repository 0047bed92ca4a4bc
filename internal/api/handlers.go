package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/notify"
	"github.com/npezzotti/go-chatsync/internal/roomindex"
	"github.com/npezzotti/go-chatsync/internal/types"
)

// defaultLoadThreshold is how many rows before the end of the list a
// scroll position triggers the next room page.
const defaultLoadThreshold = 5

type SendMessageRequest struct {
	Content string `json:"content"`
}

type GroupRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type SendMessageResponse struct {
	Message types.Message `json:"message"`
	Error   *ApiError     `json:"error,omitempty"`
}

type RoomsResponse struct {
	Rooms   []engine.RoomView `json:"rooms"`
	HasMore bool              `json:"has_more"`
	Loading bool              `json:"loading"`
}

type LoadResponse struct {
	Loaded bool `json:"loaded"`
	Count  int  `json:"count,omitempty"`
}

type UnreadResponse struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

type NotificationsResponse struct {
	Open          bool                 `json:"open"`
	Notifications []types.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
}

type ViewResponse struct {
	engine.View
	NotificationUnread int `json:"notification_unread"`
}

func (s *ViewServer) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ViewServer) writeError(w http.ResponseWriter, err error) {
	errResp := fromError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ViewServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ViewServer) getView(w http.ResponseWriter, _ *http.Request) {
	res := ViewResponse{View: s.engine.View()}
	if s.notify != nil {
		res.NotificationUnread = s.notify.UnreadCount()
	}
	s.writeJson(w, http.StatusOK, res)
}

func (s *ViewServer) getRooms(w http.ResponseWriter, _ *http.Request) {
	v := s.engine.View()
	s.writeJson(w, http.StatusOK, RoomsResponse{
		Rooms:   v.Rooms,
		HasMore: v.HasMoreRooms,
		Loading: v.LoadingRooms,
	})
}

func (s *ViewServer) refreshRooms(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.getRooms(w, r)
}

// loadMoreRooms fetches the next room page when the reported scroll
// position is close to the end of the loaded list. Without a position the
// page is always requested.
func (s *ViewServer) loadMoreRooms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if raw := q.Get("last_visible"); raw != "" {
		lastVisible, err := strconv.Atoi(raw)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		threshold := defaultLoadThreshold
		if raw := q.Get("threshold"); raw != "" {
			if threshold, err = strconv.Atoi(raw); err != nil {
				errResp := NewBadRequestError()
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}

		if !roomindex.NearEnd(lastVisible, len(s.engine.View().Rooms), threshold) {
			s.writeJson(w, http.StatusOK, LoadResponse{})
			return
		}
	}

	loaded, err := s.engine.LoadMoreRooms(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusOK, LoadResponse{Loaded: loaded})
}

func (s *ViewServer) activateRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Activate(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.getView(w, r)
}

func (s *ViewServer) deactivateRoom(w http.ResponseWriter, _ *http.Request) {
	s.engine.Deactivate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *ViewServer) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ViewServer) getMessages(w http.ResponseWriter, _ *http.Request) {
	msgs, err := s.engine.Messages()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusOK, msgs)
}

func (s *ViewServer) loadOlder(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.LoadOlder(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusOK, LoadResponse{Loaded: n > 0, Count: n})
}

func (s *ViewServer) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.engine.Send(r.Context(), req.Content)
	s.writeSendResult(w, msg, err)
}

func (s *ViewServer) retryMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.engine.Retry(r.Context(), r.PathValue("id"))
	s.writeSendResult(w, msg, err)
}

// writeSendResult answers with the timeline entry. A failed delivery still
// returns the failed entry so it can be offered for retry.
func (s *ViewServer) writeSendResult(w http.ResponseWriter, msg types.Message, err error) {
	if err == nil {
		s.writeJson(w, http.StatusCreated, SendMessageResponse{Message: msg})
		return
	}
	if msg.State == types.DeliveryFailed {
		errResp := fromError(err)
		s.writeJson(w, errResp.StatusCode, SendMessageResponse{Message: msg, Error: errResp})
		return
	}
	s.writeError(w, err)
}

func (s *ViewServer) decodeGroup(w http.ResponseWriter, r *http.Request) (types.GroupParams, bool) {
	var req GroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return types.GroupParams{}, false
	}
	return types.GroupParams{
		Id:           r.PathValue("id"),
		Name:         req.Name,
		Participants: req.Participants,
	}, true
}

func (s *ViewServer) createGroup(w http.ResponseWriter, r *http.Request) {
	params, ok := s.decodeGroup(w, r)
	if !ok {
		return
	}
	if params.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.engine.CreateGroup(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusCreated, room)
}

func (s *ViewServer) updateGroup(w http.ResponseWriter, r *http.Request) {
	params, ok := s.decodeGroup(w, r)
	if !ok {
		return
	}

	room, err := s.engine.UpdateGroup(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusOK, room)
}

func (s *ViewServer) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ViewServer) getUnread(w http.ResponseWriter, _ *http.Request) {
	counts := s.engine.UnreadCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	s.writeJson(w, http.StatusOK, UnreadResponse{Total: total, Counts: counts})
}

func (s *ViewServer) notifications(w http.ResponseWriter) (Notifications, bool) {
	if s.notify == nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return nil, false
	}
	return s.notify, true
}

func (s *ViewServer) writeNotifications(w http.ResponseWriter, n Notifications) {
	items := n.Items()
	if items == nil {
		items = []types.Notification{}
	}
	s.writeJson(w, http.StatusOK, NotificationsResponse{
		Open:          n.IsOpen(),
		Notifications: items,
		UnreadCount:   n.UnreadCount(),
	})
}

func (s *ViewServer) getNotifications(w http.ResponseWriter, r *http.Request) {
	n, ok := s.notifications(w)
	if !ok {
		return
	}
	if !n.IsOpen() {
		// a closed center still shows the badge, so fetch on demand
		if err := n.Refresh(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeNotifications(w, n)
}

func (s *ViewServer) openNotifications(w http.ResponseWriter, _ *http.Request) {
	n, ok := s.notifications(w)
	if !ok {
		return
	}
	if err := n.Open(s.ctx); err != nil && !errors.Is(err, notify.ErrPollerAlreadyOpen) {
		s.writeError(w, err)
		return
	}
	s.writeNotifications(w, n)
}

func (s *ViewServer) closeNotifications(w http.ResponseWriter, _ *http.Request) {
	n, ok := s.notifications(w)
	if !ok {
		return
	}
	if err := n.Close(); err != nil && !errors.Is(err, notify.ErrPollerNotOpen) {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ViewServer) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, ok := s.notifications(w)
	if !ok {
		return
	}
	if err := n.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNotifications(w, n)
}

func (s *ViewServer) getSplash(w http.ResponseWriter, _ *http.Request) {
	show := s.splash != nil && s.splash.Splash()
	s.writeJson(w, http.StatusOK, map[string]bool{"show": show})
}
