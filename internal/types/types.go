package types

import (
	"strings"
	"time"
)

type RoomKind string

const (
	RoomKindDirect  RoomKind = "direct"
	RoomKindGroup   RoomKind = "group"
	RoomKindUnknown RoomKind = ""
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online,omitempty"`
}

type Room struct {
	Id           string          `json:"id"`
	Kind         RoomKind        `json:"kind"`
	Name         string          `json:"name,omitempty"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
	UnreadCounts []UnreadCount   `json:"unread_counts,omitempty"`
	// State is set only on optimistic local copies of rooms.
	State DeliveryState `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
}

type MessageSummary struct {
	Content   string      `json:"content"`
	Sender    Participant `json:"sender"`
	CreatedAt time.Time   `json:"created_at"`
}

type UnreadCount struct {
	User  Participant `json:"user"`
	Count int         `json:"count"`
}

type Message struct {
	Id        string        `json:"id"`
	RoomId    string        `json:"room_id"`
	Sender    Participant   `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	State     DeliveryState `json:"state,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Notification struct {
	Id        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

type RoomPage struct {
	Rooms    []Room `json:"rooms"`
	HasMore  bool   `json:"has_more"`
	NextPage int    `json:"next_page,omitempty"`
}

type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type GroupParams struct {
	Id           string   `json:"-"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

func (r Room) IsGroup() bool {
	return r.Kind == RoomKindGroup
}

// DisplayName returns the explicit name of a group room, or the name of the
// participant other than self for a direct room.
func (r Room) DisplayName(self string) string {
	if r.Kind == RoomKindGroup {
		return r.Name
	}

	for _, p := range r.Participants {
		if id := p.UserID(); id != "" && id != self {
			if name := p.DisplayName(); name != "" {
				return name
			}
			return id
		}
	}

	return r.Name
}

// UnreadFor returns the server-side unread counter recorded for user.
func (r Room) UnreadFor(user string) int {
	for _, uc := range r.UnreadCounts {
		if uc.User.UserID() == user {
			return uc.Count
		}
	}
	return 0
}

// Participant returns the participant whose id matches userId.
func (r Room) Participant(userId string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID() == userId {
			return p, true
		}
	}
	return Participant{}, false
}

func (m Message) IsProvisional() bool {
	return m.State == DeliveryPending || m.State == DeliveryFailed
}

// NormalizeContent collapses runs of whitespace so that bodies which differ
// only in spacing compare equal.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
