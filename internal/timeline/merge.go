package timeline

import (
	"slices"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

// DuplicateWindow is the timestamp tolerance under which two messages with
// the same room, sender and body are treated as one. It exists for local
// echoes whose confirmed copy carries a different id; two genuinely distinct
// identical messages sent within the window collapse into one.
const DuplicateWindow = time.Second

type contentKey struct {
	room   string
	sender string
	body   string
}

func keyOf(m types.Message) contentKey {
	return contentKey{
		room:   m.RoomId,
		sender: m.Sender.UserID(),
		body:   types.NormalizeContent(m.Content),
	}
}

func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= DuplicateWindow
}

// ContentEqual reports whether a and b are the same logical message.
func ContentEqual(a, b types.Message) bool {
	return keyOf(a) == keyOf(b) && withinWindow(a.CreatedAt, b.CreatedAt)
}

// contentIndex finds content-equal messages without scanning every entry.
type contentIndex map[contentKey][]time.Time

func newContentIndex(msgs []types.Message) contentIndex {
	idx := make(contentIndex, len(msgs))
	for _, m := range msgs {
		idx.add(m)
	}
	return idx
}

func (idx contentIndex) add(m types.Message) {
	k := keyOf(m)
	idx[k] = append(idx[k], m.CreatedAt)
}

func (idx contentIndex) contains(m types.Message) bool {
	for _, ts := range idx[keyOf(m)] {
		if withinWindow(ts, m.CreatedAt) {
			return true
		}
	}
	return false
}

// NormalizeAscending returns a copy of page sorted oldest first. Pages may
// arrive in either direction.
func NormalizeAscending(page []types.Message) []types.Message {
	out := slices.Clone(page)
	sortByTime(out)
	return out
}

func sortByTime(msgs []types.Message) {
	slices.SortStableFunc(msgs, func(a, b types.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// dedupeByID keeps the first occurrence of every id.
func dedupeByID(msgs []types.Message) []types.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Id != "" {
			if _, ok := seen[m.Id]; ok {
				continue
			}
			seen[m.Id] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}

// Merge combines fetched history with entries accumulated from the live
// stream and local sends. Live entries already present in history, either by
// id or by content, are dropped. The result is sorted by creation time with
// ties kept in arrival order (history first, then live).
func Merge(history, live []types.Message) []types.Message {
	history = dedupeByID(history)

	ids := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.Id != "" {
			ids[m.Id] = struct{}{}
		}
	}

	survivors := make([]types.Message, 0, len(live))
	for _, m := range live {
		if _, ok := ids[m.Id]; ok && m.Id != "" {
			continue
		}
		survivors = append(survivors, m)
	}

	content := newContentIndex(history)
	kept := survivors[:0]
	for _, m := range survivors {
		if content.contains(m) {
			continue
		}
		kept = append(kept, m)
	}

	out := make([]types.Message, 0, len(history)+len(kept))
	out = append(out, history...)
	out = append(out, kept...)
	sortByTime(out)
	return out
}

// prependHistory merges an older page in front of the current history,
// dropping entries the current history already has.
func prependHistory(older, current []types.Message) []types.Message {
	out := make([]types.Message, 0, len(older)+len(current))
	out = append(out, older...)
	out = append(out, current...)
	out = dedupeByID(out)
	sortByTime(out)
	return out
}
