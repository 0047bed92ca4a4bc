package engine

import (
	"sync"

	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
)

const subscriberBuffer = 64

type EventKind string

const (
	EventRoomsChanged    EventKind = "rooms-changed"
	EventActiveChanged   EventKind = "active-changed"
	EventTimelineChanged EventKind = "timeline-changed"
	EventScrollToLatest  EventKind = "scroll-to-latest"
	EventUnreadChanged   EventKind = "unread-changed"
	EventMessageReceived EventKind = "message-received"
	EventConnection      EventKind = "connection"
)

// Event tells presentation layers which part of the View changed.
type Event struct {
	Kind       EventKind      `json:"kind"`
	RoomId     string         `json:"room_id,omitempty"`
	RoomKind   types.RoomKind `json:"room_kind,omitempty"`
	Message    *types.Message `json:"message,omitempty"`
	SenderName string         `json:"sender_name,omitempty"`
	Count      int            `json:"count"`
	Connected  bool           `json:"connected"`
}

type RoomView struct {
	types.Room
	DisplayName string `json:"display_name"`
	Unread      int    `json:"unread"`
}

// View is a point-in-time copy of everything a presentation layer renders.
type View struct {
	ActiveRoomId string           `json:"active_room_id,omitempty"`
	Rooms        []RoomView       `json:"rooms"`
	HasMoreRooms bool             `json:"has_more_rooms"`
	LoadingRooms bool             `json:"loading_rooms"`
	Messages     []types.Message  `json:"messages"`
	Cursor       *timeline.Cursor `json:"cursor,omitempty"`
	TotalUnread  int              `json:"total_unread"`
	Connected    bool             `json:"connected"`
}

type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextId int
}

// subscribe returns a buffered event channel and a function that
// unsubscribes and closes it. Events are dropped for subscribers that fall
// behind.
func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	b.nextId++
	id := b.nextId
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
