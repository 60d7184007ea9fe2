package relay

import (
	"errors"
	"sync"

	"github.com/tutorlink/live/internal/domain"
)

// ErrRoomFull rejects a third party joining a tutoring room.
var ErrRoomFull = errors.New("room full")

// seatsPerRoom caps a room at tutor plus student.
const seatsPerRoom = 2

// Table is the explicit room membership table: room id to seated users,
// in seating order. The first seat is the call initiator.
type Table struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID][]domain.UserID
}

func NewTable() *Table {
	return &Table{rooms: make(map[domain.RoomID][]domain.UserID)}
}

// Join seats user in roomID. Reports whether the seat makes user the
// initiator and who else is seated. Joining a room the user is already
// seated in keeps the original seat, so reconnects do not flip roles.
func (t *Table) Join(roomID domain.RoomID, user domain.UserID) (initiator bool, peers []domain.UserID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seats := t.rooms[roomID]
	for i, seated := range seats {
		if seated == user {
			return i == 0, othersOf(seats, user), nil
		}
	}
	if len(seats) >= seatsPerRoom {
		return false, nil, ErrRoomFull
	}
	t.rooms[roomID] = append(seats, user)
	return len(seats) == 0, othersOf(seats, user), nil
}

// Leave vacates user's seat. Returns the users still seated and whether
// user actually held a seat. Empty rooms are dropped from the table.
func (t *Table) Leave(roomID domain.RoomID, user domain.UserID) (peers []domain.UserID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seats := t.rooms[roomID]
	next := seats[:0]
	for _, seated := range seats {
		if seated == user {
			ok = true
			continue
		}
		next = append(next, seated)
	}
	if !ok {
		return nil, false
	}
	if len(next) == 0 {
		delete(t.rooms, roomID)
	} else {
		t.rooms[roomID] = next
	}
	return append([]domain.UserID(nil), next...), true
}

// LeaveAll vacates every seat user holds, for connection loss. Returns
// the affected rooms with the users left behind in each.
func (t *Table) LeaveAll(user domain.UserID) map[domain.RoomID][]domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	affected := make(map[domain.RoomID][]domain.UserID)
	for roomID, seats := range t.rooms {
		found := false
		next := make([]domain.UserID, 0, len(seats))
		for _, seated := range seats {
			if seated == user {
				found = true
				continue
			}
			next = append(next, seated)
		}
		if !found {
			continue
		}
		affected[roomID] = next
		if len(next) == 0 {
			delete(t.rooms, roomID)
		} else {
			t.rooms[roomID] = next
		}
	}
	return affected
}

// Peers returns who else shares a room with user, or nil.
func (t *Table) Peers(roomID domain.RoomID, user domain.UserID) []domain.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return othersOf(t.rooms[roomID], user)
}

// RoomInfo is the admin view of one occupied room.
type RoomInfo struct {
	RoomID domain.RoomID   `json:"roomId"`
	Users  []domain.UserID `json:"users"`
}

// Snapshot lists occupied rooms for the admin endpoint.
func (t *Table) Snapshot() []RoomInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RoomInfo, 0, len(t.rooms))
	for roomID, seats := range t.rooms {
		out = append(out, RoomInfo{RoomID: roomID, Users: append([]domain.UserID(nil), seats...)})
	}
	return out
}

func othersOf(seats []domain.UserID, user domain.UserID) []domain.UserID {
	var out []domain.UserID
	for _, seated := range seats {
		if seated != user {
			out = append(out, seated)
		}
	}
	return out
}
