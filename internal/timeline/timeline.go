// Package timeline keeps the ordered, deduplicated message sequence of one
// room, merged from paginated history and the live stream.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const DefaultPageSize = 30

// ErrClosed is returned for fetches that resolve after the timeline was
// closed. Their results are discarded.
var ErrClosed = errors.New("timeline closed")

type Fetcher interface {
	FetchMessages(ctx context.Context, roomId string, page, limit int) (types.MessagePage, error)
}

type IngestResult int

const (
	Ignored IngestResult = iota
	Appended
	Reconciled
	Duplicate
)

func (r IngestResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// Changed reports whether the ingest altered the visible sequence.
func (r IngestResult) Changed() bool {
	return r == Appended || r == Reconciled
}

type Cursor struct {
	Page    int  `json:"page"`
	HasMore bool `json:"has_more"`
	Loading bool `json:"loading"`
}

type Timeline struct {
	roomId   string
	fetcher  Fetcher
	pageSize int
	log      zerolog.Logger

	mu sync.Mutex
	// history holds confirmed messages from fetches, oldest first.
	history []types.Message
	// live holds pushed and locally sent messages in arrival order.
	live    []types.Message
	cursor  Cursor
	syncing bool
	closed  bool
}

func New(roomId string, fetcher Fetcher, pageSize int, logger zerolog.Logger) *Timeline {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Timeline{
		roomId:   roomId,
		fetcher:  fetcher,
		pageSize: pageSize,
		log:      logger.With().Str("room_id", roomId).Logger(),
		cursor:   Cursor{Page: 1, HasMore: true},
	}
}

func (t *Timeline) RoomId() string {
	return t.roomId
}

// LoadOlder fetches the next older page and prepends it. The first call
// loads the newest page. It returns the number of new history entries and is
// a no-op when history is exhausted or a fetch is already in flight.
func (t *Timeline) LoadOlder(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.cursor.Loading || !t.cursor.HasMore {
		t.mu.Unlock()
		return 0, nil
	}
	page := t.cursor.Page
	t.cursor.Loading = true
	t.mu.Unlock()

	res, err := t.fetcher.FetchMessages(ctx, t.roomId, page, t.pageSize)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cursor.Loading = false
	if t.closed {
		t.log.Debug().Int("page", page).Msg("discarding page for closed timeline")
		return 0, ErrClosed
	}
	if err != nil {
		return 0, fmt.Errorf("fetch messages page %d: %w", page, err)
	}

	older := t.confirmedFromPage(res.Messages)
	before := len(t.history)
	t.history = prependHistory(older, t.history)
	t.cursor.Page = page + 1
	t.cursor.HasMore = res.HasMore && len(res.Messages) > 0

	added := len(t.history) - before
	t.log.Debug().Int("page", page).Int("added", added).Bool("has_more", t.cursor.HasMore).Msg("loaded history page")
	return added, nil
}

// Resync merges a fresh copy of the newest page into history without moving
// the pagination cursor. Used after the live stream was interrupted.
func (t *Timeline) Resync(ctx context.Context) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.syncing || t.cursor.Page == 1 {
		// nothing loaded yet, LoadOlder will fetch the newest page
		t.mu.Unlock()
		return 0, nil
	}
	t.syncing = true
	t.mu.Unlock()

	res, err := t.fetcher.FetchMessages(ctx, t.roomId, 1, t.pageSize)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.syncing = false
	if t.closed {
		return 0, ErrClosed
	}
	if err != nil {
		return 0, fmt.Errorf("resync messages: %w", err)
	}

	before := len(t.history)
	t.history = prependHistory(t.history, t.confirmedFromPage(res.Messages))
	return len(t.history) - before, nil
}

func (t *Timeline) confirmedFromPage(page []types.Message) []types.Message {
	msgs := NormalizeAscending(page)
	out := msgs[:0]
	for _, m := range msgs {
		if m.RoomId != "" && m.RoomId != t.roomId {
			t.log.Warn().Str("message_id", m.Id).Str("message_room", m.RoomId).Msg("dropping message from another room")
			continue
		}
		m.RoomId = t.roomId
		m.State = types.DeliveryConfirmed
		out = append(out, m)
	}
	return out
}

// IngestLive adds a confirmed message from the live stream. A message that
// matches a provisional local entry replaces it in place.
func (t *Timeline) IngestLive(msg types.Message) IngestResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || msg.RoomId != t.roomId {
		return Ignored
	}
	msg.State = types.DeliveryConfirmed
	msg.Error = ""
	return t.ingestLocked(msg)
}

func (t *Timeline) ingestLocked(msg types.Message) IngestResult {
	if msg.Id != "" {
		if t.historyHasID(msg.Id) {
			return Duplicate
		}
		if i := t.liveIndex(msg.Id); i >= 0 {
			if t.live[i].IsProvisional() {
				t.live[i] = msg
				return Reconciled
			}
			return Duplicate
		}
	}

	for _, h := range t.history {
		if ContentEqual(h, msg) {
			return Duplicate
		}
	}

	for i, l := range t.live {
		if !ContentEqual(l, msg) {
			continue
		}
		if l.IsProvisional() {
			t.live[i] = msg
			return Reconciled
		}
		return Duplicate
	}

	t.live = append(t.live, msg)
	return Appended
}

// AppendPending adds a local, unconfirmed entry at the tail.
func (t *Timeline) AppendPending(msg types.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	msg.RoomId = t.roomId
	msg.State = types.DeliveryPending
	t.live = append(t.live, msg)
	return true
}

// Confirm replaces the provisional entry with the server-confirmed message.
// If the live stream already reconciled it, the confirmation is ingested like
// any other live message and deduplicated.
func (t *Timeline) Confirm(provisionalId string, msg types.Message) IngestResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Ignored
	}
	if msg.RoomId == "" {
		msg.RoomId = t.roomId
	}
	msg.State = types.DeliveryConfirmed
	msg.Error = ""

	i := t.liveIndex(provisionalId)
	if i < 0 {
		return t.ingestLocked(msg)
	}

	if t.historyHasID(msg.Id) || t.liveIndex(msg.Id) >= 0 {
		t.live = slices.Delete(t.live, i, i+1)
		return Duplicate
	}

	t.live[i] = msg
	return Reconciled
}

// MarkFailed leaves the provisional entry visible, flagged as failed.
func (t *Timeline) MarkFailed(provisionalId string, cause error) bool {
	return t.setState(provisionalId, types.DeliveryFailed, cause)
}

// MarkPending flags a failed entry as pending again before a retry.
func (t *Timeline) MarkPending(provisionalId string) bool {
	return t.setState(provisionalId, types.DeliveryPending, nil)
}

func (t *Timeline) setState(provisionalId string, state types.DeliveryState, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.liveIndex(provisionalId)
	if i < 0 || !t.live[i].IsProvisional() {
		return false
	}
	t.live[i].State = state
	t.live[i].Error = ""
	if cause != nil {
		t.live[i].Error = cause.Error()
	}
	return true
}

// Lookup returns the entry with id from the live overlay.
func (t *Timeline) Lookup(id string) (types.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.liveIndex(id); i >= 0 {
		return t.live[i], true
	}
	return types.Message{}, false
}

// Messages returns the merged, ordered view.
func (t *Timeline) Messages() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Merge(t.history, t.live)
}

func (t *Timeline) Cursor() Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cursor
}

// Close detaches the timeline. Fetches still in flight are discarded when
// they resolve.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.live = nil
}

func (t *Timeline) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func (t *Timeline) historyHasID(id string) bool {
	return slices.ContainsFunc(t.history, func(m types.Message) bool { return m.Id == id })
}

func (t *Timeline) liveIndex(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(t.live, func(m types.Message) bool { return m.Id == id })
}
