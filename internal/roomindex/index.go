// Package roomindex maintains the paginated list of rooms the session user
// participates in.
//
// Pages are merged append-only in server order so that incremental loads
// never reshuffle rooms already on screen. Readers take a Snapshot, which is
// replaced atomically after every change and never mutated in place.
package roomindex

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const DefaultPageSize = 20

type Fetcher interface {
	FetchRooms(ctx context.Context, page, limit int) (types.RoomPage, error)
}

// Snapshot is an immutable view of the index.
type Snapshot struct {
	rooms   []types.Room
	byId    map[string]int
	HasMore bool
	Loading bool
}

func newSnapshot(rooms []types.Room, hasMore, loading bool) *Snapshot {
	byId := make(map[string]int, len(rooms))
	for i, r := range rooms {
		byId[r.Id] = i
	}
	return &Snapshot{rooms: rooms, byId: byId, HasMore: hasMore, Loading: loading}
}

// Rooms returns a copy of the rooms in display order.
func (s *Snapshot) Rooms() []types.Room {
	return slices.Clone(s.rooms)
}

func (s *Snapshot) Len() int {
	return len(s.rooms)
}

func (s *Snapshot) Lookup(roomId string) (types.Room, bool) {
	i, ok := s.byId[roomId]
	if !ok {
		return types.Room{}, false
	}
	return s.rooms[i], true
}

type Index struct {
	fetcher  Fetcher
	pageSize int
	log      zerolog.Logger

	mu      sync.Mutex
	rooms   []types.Room
	page    int
	hasMore bool
	loading bool
	loaded  bool
	// refreshing is set while a first page is in flight. refreshPending
	// records a refresh requested meanwhile.
	refreshing     bool
	refreshPending bool
	// generation is bumped by every first page fetch so a next page that
	// resolves after a reset is not appended to the new list.
	generation uint64

	snap atomic.Pointer[Snapshot]
}

func New(fetcher Fetcher, pageSize int, logger zerolog.Logger) *Index {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	idx := &Index{
		fetcher:  fetcher,
		pageSize: pageSize,
		log:      logger,
		page:     1,
		hasMore:  true,
	}
	idx.publishLocked()
	return idx
}

// Snapshot returns the current view. It is safe to call from any goroutine
// and never blocks on a fetch.
func (idx *Index) Snapshot() *Snapshot {
	return idx.snap.Load()
}

func (idx *Index) publishLocked() {
	idx.snap.Store(newSnapshot(slices.Clone(idx.rooms), idx.hasMore, idx.loading))
}

// Loaded reports whether the first page has been fetched successfully.
func (idx *Index) Loaded() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.loaded
}

// LoadFirstPage fetches page 1 and replaces the list with it. A next page
// still in flight is superseded and its result dropped. A call made while
// another first page is in flight reports false and makes that call fetch
// page 1 again once it resolves, so a refresh is never lost.
func (idx *Index) LoadFirstPage(ctx context.Context) (bool, error) {
	idx.mu.Lock()
	if idx.refreshing {
		idx.refreshPending = true
		idx.mu.Unlock()
		return false, nil
	}
	idx.refreshing = true
	idx.loading = true
	idx.publishLocked()
	idx.mu.Unlock()

	for {
		idx.mu.Lock()
		idx.refreshPending = false
		idx.generation++
		idx.mu.Unlock()

		res, err := idx.fetcher.FetchRooms(ctx, 1, idx.pageSize)

		idx.mu.Lock()
		if err == nil && idx.refreshPending && ctx.Err() == nil {
			idx.mu.Unlock()
			continue
		}

		idx.refreshing = false
		idx.refreshPending = false
		idx.loading = false
		if err != nil {
			idx.publishLocked()
			idx.mu.Unlock()
			return false, fmt.Errorf("fetch rooms page 1: %w", err)
		}

		idx.rooms = appendRooms(nil, res.Rooms)
		idx.hasMore = res.HasMore && len(res.Rooms) > 0
		idx.page = nextPage(1, res)
		idx.loaded = true
		idx.publishLocked()
		idx.mu.Unlock()

		idx.log.Debug().Int("rooms", len(res.Rooms)).Bool("has_more", res.HasMore).Msg("loaded first room page")
		return true, nil
	}
}

// LoadNextPage fetches the next page and appends it. It reports false
// without fetching when there are no more pages, the first page was never
// loaded, or a fetch is already in flight. It also reports false when a
// first page load replaced the list while the page was in flight.
func (idx *Index) LoadNextPage(ctx context.Context) (bool, error) {
	idx.mu.Lock()
	if idx.loading || !idx.hasMore || !idx.loaded {
		idx.mu.Unlock()
		return false, nil
	}
	idx.loading = true
	gen := idx.generation
	page := idx.page
	idx.publishLocked()
	idx.mu.Unlock()

	res, err := idx.fetcher.FetchRooms(ctx, page, idx.pageSize)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// the superseding first page owns the in-flight flag now
	if gen != idx.generation {
		idx.log.Debug().Int("page", page).Msg("dropping superseded room page")
		return false, nil
	}

	defer idx.publishLocked()
	idx.loading = false
	if err != nil {
		return false, fmt.Errorf("fetch rooms page %d: %w", page, err)
	}

	before := len(idx.rooms)
	idx.rooms = appendRooms(idx.rooms, res.Rooms)
	idx.hasMore = res.HasMore && len(res.Rooms) > 0
	idx.page = nextPage(page, res)

	idx.log.Debug().
		Int("page", page).
		Int("added", len(idx.rooms)-before).
		Bool("has_more", idx.hasMore).
		Msg("loaded room page")
	return true, nil
}

func nextPage(page int, res types.RoomPage) int {
	if res.NextPage > page {
		return res.NextPage
	}
	return page + 1
}

// appendRooms merges a page onto the list. A room already present keeps its
// position and takes the fresher data.
func appendRooms(rooms, page []types.Room) []types.Room {
	for _, r := range page {
		if r.Id == "" {
			continue
		}
		if i := slices.IndexFunc(rooms, func(e types.Room) bool { return e.Id == r.Id }); i >= 0 {
			rooms[i] = r
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms
}

// Put stores a room. An existing entry is replaced in place, a new room is
// placed at the front as the most recently active.
func (idx *Index) Put(room types.Room) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if i := idx.indexLocked(room.Id); i >= 0 {
		idx.rooms[i] = room
	} else {
		idx.rooms = slices.Insert(idx.rooms, 0, room)
	}
	idx.publishLocked()
}

// Replace swaps the entry stored under oldId for room, keeping its position.
// Any other entry already holding room.Id is dropped. When oldId is unknown
// the room is stored as by Put.
func (idx *Index) Replace(oldId string, room types.Room) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := idx.indexLocked(oldId)
	if i < 0 {
		i = idx.indexLocked(room.Id)
	}
	if i < 0 {
		idx.rooms = slices.Insert(idx.rooms, 0, room)
		idx.publishLocked()
		return
	}

	idx.rooms[i] = room
	out := idx.rooms[:0]
	for j, r := range idx.rooms {
		if r.Id == room.Id && j != i {
			continue
		}
		out = append(out, r)
	}
	idx.rooms = out
	idx.publishLocked()
}

func (idx *Index) Remove(roomId string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := idx.indexLocked(roomId)
	if i < 0 {
		return false
	}
	idx.rooms = slices.Delete(idx.rooms, i, i+1)
	idx.publishLocked()
	return true
}

// Update applies fn to the stored room with roomId.
func (idx *Index) Update(roomId string, fn func(*types.Room)) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := idx.indexLocked(roomId)
	if i < 0 {
		return false
	}
	fn(&idx.rooms[i])
	idx.publishLocked()
	return true
}

func (idx *Index) indexLocked(roomId string) int {
	return slices.IndexFunc(idx.rooms, func(r types.Room) bool { return r.Id == roomId })
}

// NearEnd reports whether the last visible row is within threshold rows of
// the end of the loaded list.
func NearEnd(lastVisible, total, threshold int) bool {
	if total == 0 {
		return true
	}
	if threshold < 0 {
		threshold = 0
	}
	return lastVisible >= total-1-threshold
}
