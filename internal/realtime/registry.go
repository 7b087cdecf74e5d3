package realtime

import (
	"sort"
	"sync"

	"github.com/example/bus-booking/internal/observability"
)

// Well-known room keys.
const (
	DriverRoom = "driverRoom"
	AdminRoom  = "admin"
)

func BusRoom(busID string) string         { return "bus:" + busID }
func BookingRoom(bookingID string) string { return "booking:" + bookingID }
func UserRoom(userID string) string       { return "user:" + userID }

// Registry maps room keys to the sessions subscribed to them. Pure
// bookkeeping under one lock; no business logic lives here.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	joined   map[string]map[string]struct{} // session id -> room keys
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register adds a freshly-upgraded connection.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	r.joined[s.ID()] = make(map[string]struct{})
	observability.ConnectionsActive.Inc()
}

// Join is idempotent: joining a room twice is the same as once.
func (r *Registry) Join(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[sessionID] = s
	r.joined[sessionID][room] = struct{}{}
}

// Leave is a no-op when the connection never joined the room.
func (r *Registry) Leave(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, room)
}

func (r *Registry) leaveLocked(sessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.joined[sessionID]; ok {
		delete(rooms, room)
	}
}

// Drop removes the connection from every room it joined and closes it,
// in one critical section so no reader observes partial state.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		for room := range r.joined[sessionID] {
			r.leaveLocked(sessionID, room)
		}
		delete(r.joined, sessionID)
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
		observability.ConnectionsActive.Dec()
	}
}

// MembersOf returns the session ids subscribed to a room, sorted.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// union snapshots the deduplicated membership of several rooms.
func (r *Registry) union(rooms []string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []*Session
	for _, room := range rooms {
		for id, s := range r.rooms[room] {
			if !seen[id] {
				seen[id] = true
				out = append(out, s)
			}
		}
	}
	return out
}
