package transport

import (
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

type Event string

const (
	EventNewMessage         Event = "new-message"
	EventUnreadCountChanged Event = "unread-count-changed"
	EventMessageRead        Event = "message-read"
	EventConnected          Event = "connected"
	EventDisconnected       Event = "disconnected"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is sent to the message server. Join and leave only mark
// which room is being viewed; delivery for every room the user belongs to
// continues regardless.
type ClientMessage struct {
	BaseMessage
	Join  *Join  `json:"join,omitempty"`
	Leave *Leave `json:"leave,omitempty"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// ServerMessage is a pushed event. Exactly one payload matching Event is set;
// connected and disconnected carry none and are produced locally.
type ServerMessage struct {
	BaseMessage
	Event              Event               `json:"event"`
	NewMessage         *NewMessage         `json:"new_message,omitempty"`
	UnreadCountChanged *UnreadCountChanged `json:"unread_count_changed,omitempty"`
	MessageRead        *MessageRead        `json:"message_read,omitempty"`
}

type NewMessage struct {
	Message types.Message     `json:"message"`
	RoomId  string            `json:"room_id"`
	Sender  types.Participant `json:"sender"`
	// RoomKind is the server's classification, used only for rooms the
	// client has not loaded yet.
	RoomKind types.RoomKind `json:"room_kind,omitempty"`
}

type UnreadCountChanged struct {
	RoomId string `json:"room_id"`
	Count  int    `json:"count"`
}

type MessageRead struct {
	RoomId string            `json:"room_id"`
	User   types.Participant `json:"user_id"`
}

// Normalize fills the message's room and sender from the envelope when the
// server left them out of the nested message.
func (nm *NewMessage) Normalize() types.Message {
	msg := nm.Message
	if msg.RoomId == "" {
		msg.RoomId = nm.RoomId
	}
	if nm.RoomId == "" {
		nm.RoomId = msg.RoomId
	}
	if msg.Sender.IsZero() {
		msg.Sender = nm.Sender
	} else if nm.Sender.User != nil {
		msg.Sender = msg.Sender.WithUser(*nm.Sender.User)
	}
	msg.State = types.DeliveryConfirmed
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func newJoin(roomId string) *ClientMessage {
	return &ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Join:        &Join{RoomId: roomId},
	}
}

func newLeave(roomId string) *ClientMessage {
	return &ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Leave:       &Leave{RoomId: roomId},
	}
}
