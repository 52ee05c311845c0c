package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/domain"
)

// DefaultRoomCapacity fits the two-party call the chat app makes.
const DefaultRoomCapacity = 2

var ErrRoomFull = errors.New("room full")

// Rooms owns call-room membership sets. Rooms come into existence on
// first join and vanish when the last member leaves.
type Rooms struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[domain.RoomID]map[domain.ConnID]struct{}
}

func NewRooms(capacity int) *Rooms {
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}
	return &Rooms{
		capacity: capacity,
		rooms:    make(map[domain.RoomID]map[domain.ConnID]struct{}),
	}
}

// Add puts cid into room, creating it if needed. Joins beyond the
// capacity are rejected; re-adding an existing member is a no-op.
func (r *Rooms) Add(room domain.RoomID, cid domain.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ConnID]struct{}, r.capacity)
		r.rooms[room] = members
	}
	if _, ok := members[cid]; ok {
		return nil
	}
	if len(members) >= r.capacity {
		return ErrRoomFull
	}
	members[cid] = struct{}{}
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Str("conn", string(cid)).Int("members", len(members)).Msg("member joined")
	return nil
}

// Remove drops cid from room, deleting the room once empty. Reports
// whether cid was a member.
func (r *Rooms) Remove(room domain.RoomID, cid domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[cid]; !ok {
		return false
	}
	delete(members, cid)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	log.Info().Str("module", "app.rooms").Str("room", string(room)).Str("conn", string(cid)).Msg("member left")
	return true
}

// Contains reports membership of cid in room.
func (r *Rooms) Contains(room domain.RoomID, cid domain.ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][cid]
	return ok
}

// Others returns the membership of room minus from.
func (r *Rooms) Others(room domain.RoomID, from domain.ConnID) []domain.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]domain.ConnID, 0, len(members))
	for cid := range members {
		if cid != from {
			out = append(out, cid)
		}
	}
	return out
}

func (r *Rooms) MemberCount(room domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
