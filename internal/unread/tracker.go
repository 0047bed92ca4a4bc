// Package unread keeps per-room unread counters for the session user.
package unread

import (
	"maps"
	"sync"
)

// seenWindow bounds how many message ids are remembered per room for
// duplicate suppression.
const seenWindow = 256

// Mark is a version token taken before a room index fetch. Seeding with it
// skips every room changed locally after it was taken.
type Mark uint64

type seenSet struct {
	ids   map[string]struct{}
	order []string
}

func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > seenWindow {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

type Tracker struct {
	mu      sync.Mutex
	counts  map[string]int
	touched map[string]uint64
	seen    map[string]*seenSet
	version uint64
	active  string
}

func NewTracker() *Tracker {
	return &Tracker{
		counts:  make(map[string]int),
		touched: make(map[string]uint64),
		seen:    make(map[string]*seenSet),
	}
}

// Mark returns the current version.
func (t *Tracker) Mark() Mark {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Mark(t.version)
}

func (t *Tracker) touch(roomId string) {
	t.version++
	t.touched[roomId] = t.version
}

// Seed sets counters from a room index snapshot fetched after mark was
// taken. Rooms changed locally since mark keep their in-memory value and the
// active room stays at zero. It returns the rooms whose counter changed.
func (t *Tracker) Seed(mark Mark, counts map[string]int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for roomId, n := range counts {
		if t.touched[roomId] > uint64(mark) {
			continue
		}
		if roomId == t.active || n < 0 {
			n = 0
		}
		if t.counts[roomId] != n {
			t.counts[roomId] = n
			changed = append(changed, roomId)
		}
	}
	return changed
}

// Increment counts one new message for a room that is not active. Message
// ids already counted for the room are ignored.
func (t *Tracker) Increment(roomId, messageId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if roomId == "" || roomId == t.active {
		return false
	}

	if messageId != "" && !t.seenLocked(roomId).add(messageId) {
		return false
	}

	t.counts[roomId]++
	t.touch(roomId)
	return true
}

// Seen records a message shown in the room's timeline so a later
// redelivery is not counted after the room loses focus.
func (t *Tracker) Seen(roomId, messageId string) {
	if roomId == "" || messageId == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seenLocked(roomId).add(messageId)
}

func (t *Tracker) seenLocked(roomId string) *seenSet {
	s, ok := t.seen[roomId]
	if !ok {
		s = &seenSet{ids: make(map[string]struct{})}
		t.seen[roomId] = s
	}
	return s
}

// Set applies an authoritative count pushed by the server.
func (t *Tracker) Set(roomId string, count int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if roomId == t.active || count < 0 {
		count = 0
	}
	t.touch(roomId)
	if t.counts[roomId] == count {
		return false
	}
	t.counts[roomId] = count
	return true
}

// Clear zeroes a room's counter. It is safe to call repeatedly.
func (t *Tracker) Clear(roomId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.clearLocked(roomId)
}

func (t *Tracker) clearLocked(roomId string) bool {
	if roomId == "" {
		return false
	}
	t.touch(roomId)
	if t.counts[roomId] == 0 {
		return false
	}
	t.counts[roomId] = 0
	return true
}

// SetActive records the room being viewed and clears it.
func (t *Tracker) SetActive(roomId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = roomId
	t.clearLocked(roomId)
}

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active
}

// Forget drops every counter kept for a room that no longer exists.
func (t *Tracker) Forget(roomId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.counts, roomId)
	delete(t.seen, roomId)
	t.touch(roomId)
}

func (t *Tracker) Count(roomId string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[roomId]
}

// Total is the badge count for navigation chrome.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return maps.Clone(t.counts)
}
