package realtime

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry owns room membership in both directions: room -> connections and
// connection -> rooms. A single lock covers both indexes, so every operation is
// atomic and the two sides never disagree.
//
// A room exists only while it has members; it is deleted on the 1 -> 0 transition
// and recreated by the next Join.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log,
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection with an empty room set. It returns false if the
// connection is already registered.
func (r *Registry) Register(connectionID string) bool {
	if connectionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; ok {
		return false
	}
	r.conns[connectionID] = make(map[string]struct{})
	return true
}

// Unregister removes a connection from every room and from the connection index.
// It returns the rooms the connection was in. Safe to call more than once.
func (r *Registry) Unregister(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	delete(r.conns, connectionID)

	left := make([]string, 0, len(rooms))
	for room := range rooms {
		r.removeMemberLocked(room, connectionID)
		left = append(left, room)
	}
	sort.Strings(left)
	return left
}

// Join adds the connection to the room. Joining twice is a no-op.
// Joins for unregistered connections fail with ErrUnknownConnection, so a join
// racing a disconnect cannot resurrect the connection.
func (r *Registry) Join(connectionID, roomKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}

	members := r.rooms[roomKey]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[roomKey] = members
		r.log.Debug("room.create", "room_key", roomKey)
	}
	members[connectionID] = struct{}{}
	rooms[roomKey] = struct{}{}
	return nil
}

// Leave removes the connection from the room. It reports whether the
// connection was a member; leaving a room you are not in is not an error.
func (r *Registry) Leave(connectionID, roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	if _, in := rooms[roomKey]; !in {
		return false
	}
	delete(rooms, roomKey)
	r.removeMemberLocked(roomKey, connectionID)
	return true
}

func (r *Registry) removeMemberLocked(roomKey, connectionID string) {
	members := r.rooms[roomKey]
	if members == nil {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, roomKey)
		r.log.Debug("room.reclaim", "room_key", roomKey)
	}
}

// Members returns a snapshot of the room's connection ids.
func (r *Registry) Members(roomKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomKey]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a sorted snapshot of the connection's rooms.
func (r *Registry) RoomsOf(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.conns[connectionID]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether the connection currently belongs to the room.
func (r *Registry) IsMember(connectionID, roomKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomKey][connectionID]
	return ok
}

// Registered reports whether the connection is in the connection index.
func (r *Registry) Registered(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.conns[connectionID]
	return ok
}

// Rooms returns the number of non-empty rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
