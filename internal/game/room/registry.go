package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRoomNotFound is returned when no active room has the given ID.
var ErrRoomNotFound = errors.New("room not found")

// Summary describes an active room for listings.
type Summary struct {
	ID      string `json:"roomId"`
	Members int    `json:"members"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxMembers caps the number of members of every room created by the registry.
// n <= 0 means unlimited.
func WithMaxMembers(n int) Option {
	return func(r *Registry) { r.maxMembers = n }
}

// Registry is the table of active rooms. Rooms are created lazily on first
// join and reclaimed as soon as they become empty.
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	maxMembers int
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{rooms: make(map[string]*Room)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the room with the given ID, creating an empty one if needed.
//
// Postcondition: Never returns nil.
func (r *Registry) GetOrCreate(roomID string) *Room {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm
	}
	rm = newRoom(roomID, r.maxMembers)
	r.rooms[roomID] = rm
	return rm
}

// Get returns the active room with the given ID.
func (r *Registry) Get(roomID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	return rm, nil
}

// RemoveIfEmpty deletes the room if and only if it has no members.
//
// Postcondition: Returns true when the room was reclaimed. A reclaimed Room
// rejects further AddMember calls with ErrRoomClosed.
func (r *Registry) RemoveIfEmpty(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if !rm.closeIfEmpty() {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

// Members returns the current member count of roomID, or 0 when it is not active.
func (r *Registry) Members(roomID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return rm.Len()
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Rooms returns a summary of every active room sorted by ID.
func (r *Registry) Rooms() []Summary {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(rooms))
	for _, rm := range rooms {
		n := rm.Len()
		if n == 0 {
			continue
		}
		out = append(out, Summary{ID: rm.ID(), Members: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
