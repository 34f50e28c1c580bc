package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAlreadyMember is returned when a connection joins a room it already belongs to.
var ErrAlreadyMember = errors.New("already a member")

// ErrNotFound is returned when a connection is not a member of the room.
var ErrNotFound = errors.New("member not found")

// ErrRoomFull is returned when a room has reached its member capacity.
var ErrRoomFull = errors.New("room is full")

// ErrRoomClosed is returned by AddMember once the registry has reclaimed the room.
// Callers must re-resolve the room through the registry.
var ErrRoomClosed = errors.New("room closed")

type member struct {
	state PlayerState
	seq   uint64
}

// Room holds the PlayerState of every connection in one room.
// All methods are safe for concurrent use.
type Room struct {
	id         string
	maxMembers int

	mu      sync.Mutex
	members map[string]*member
	nextSeq uint64
	closed  bool
}

// newRoom creates an empty Room. maxMembers <= 0 means unlimited.
func newRoom(id string, maxMembers int) *Room {
	return &Room{
		id:         id,
		maxMembers: maxMembers,
		members:    make(map[string]*member),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// AddMember stores a default PlayerState for connID.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns the created state, or ErrAlreadyMember, ErrRoomFull,
// or ErrRoomClosed with the room unchanged.
func (r *Room) AddMember(connID, username string) (PlayerState, error) {
	return r.Join(connID, username, nil)
}

// Join adds connID like AddMember and, before the room is unlocked, calls fn
// with the new state and the other members in join order. Events sent from fn
// are ordered with every other event of this room.
//
// Precondition: fn must not block or call back into the Room.
func (r *Room) Join(connID, username string, fn func(self PlayerState, others []PlayerState)) (PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return PlayerState{}, fmt.Errorf("room %q: %w", r.id, ErrRoomClosed)
	}
	if _, exists := r.members[connID]; exists {
		return PlayerState{}, fmt.Errorf("connection %q in room %q: %w", connID, r.id, ErrAlreadyMember)
	}
	if r.maxMembers > 0 && len(r.members) >= r.maxMembers {
		return PlayerState{}, fmt.Errorf("room %q (%d members): %w", r.id, r.maxMembers, ErrRoomFull)
	}

	r.nextSeq++
	m := &member{state: NewPlayerState(connID, username), seq: r.nextSeq}
	r.members[connID] = m
	if fn != nil {
		fn(m.state, r.snapshotLocked(connID))
	}
	return m.state, nil
}

// RemoveMember deletes connID and returns its prior state.
// empty reports whether the room has no members left; the room itself is never
// reclaimed here.
func (r *Room) RemoveMember(connID string) (state PlayerState, empty bool, err error) {
	return r.Leave(connID, nil)
}

// Leave removes connID like RemoveMember and, before the room is unlocked,
// calls fn with the departed state and the remaining member IDs.
//
// Precondition: fn must not block or call back into the Room.
func (r *Room) Leave(connID string, fn func(left PlayerState, remaining []string)) (state PlayerState, empty bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[connID]
	if !exists {
		return PlayerState{}, len(r.members) == 0, fmt.Errorf("connection %q in room %q: %w", connID, r.id, ErrNotFound)
	}
	delete(r.members, connID)
	if fn != nil {
		fn(m.state, r.memberIDsLocked(""))
	}
	return m.state, len(r.members) == 0, nil
}

// Get returns the current state of connID.
func (r *Room) Get(connID string) (PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[connID]
	if !exists {
		return PlayerState{}, fmt.Errorf("connection %q in room %q: %w", connID, r.id, ErrNotFound)
	}
	return m.state, nil
}

// Update applies a transform update to connID and returns the resulting state.
func (r *Room) Update(connID string, position, rotation Vec3, animation int) (PlayerState, error) {
	return r.UpdateWith(connID, position, rotation, animation, nil)
}

// UpdateWith applies a transform update and, before the room is unlocked,
// calls fn with the new state and the IDs of every other member.
//
// Precondition: fn must not block or call back into the Room.
func (r *Room) UpdateWith(connID string, position, rotation Vec3, animation int, fn func(state PlayerState, others []string)) (PlayerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[connID]
	if !exists {
		return PlayerState{}, fmt.Errorf("connection %q in room %q: %w", connID, r.id, ErrNotFound)
	}
	m.state.ApplyUpdate(position, rotation, animation)
	if fn != nil {
		fn(m.state, r.memberIDsLocked(connID))
	}
	return m.state, nil
}

// Broadcast calls fn with the IDs of every member except excluding while the
// room is locked.
//
// Precondition: fn must not block or call back into the Room.
func (r *Room) Broadcast(excluding string, fn func(ids []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.memberIDsLocked(excluding))
}

// Snapshot returns every member except excluding, ordered by join sequence.
//
// Postcondition: The returned slice is a copy and may be empty.
func (r *Room) Snapshot(excluding string) []PlayerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(excluding)
}

// MemberIDs returns the connection IDs of every member except excluding,
// ordered by join sequence.
func (r *Room) MemberIDs(excluding string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberIDsLocked(excluding)
}

func (r *Room) snapshotLocked(excluding string) []PlayerState {
	ordered := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id == excluding {
			continue
		}
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]PlayerState, len(ordered))
	for i, m := range ordered {
		out[i] = m.state
	}
	return out
}

func (r *Room) memberIDsLocked(excluding string) []string {
	snap := r.snapshotLocked(excluding)
	ids := make([]string, len(snap))
	for i, s := range snap {
		ids[i] = s.ConnectionID
	}
	return ids
}

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// closeIfEmpty marks the room closed when it has no members.
// Must be called with the registry lock held.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}
