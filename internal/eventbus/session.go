// ABOUTME: Live client sessions and the registry that indexes them by room
// ABOUTME: Delivery is non-blocking; a full session buffer drops the event for that session

package eventbus

import (
	"sync"

	"github.com/2389/switchboard/internal/auth"
)

// sessionBufferSize is the per-session event buffer.
const sessionBufferSize = 64

// Session is one connected live client.
type Session struct {
	ID       string
	Identity auth.Identity
	Rooms    []Room

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, identity auth.Identity, rooms []Room) *Session {
	return &Session{
		ID:       id,
		Identity: identity,
		Rooms:    rooms,
		events:   make(chan Event, sessionBufferSize),
		done:     make(chan struct{}),
	}
}

// Events returns the channel of delivered events. It is closed when the
// session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// close must only be called by a registry holding its write lock, so no
// delivery can race with closing the events channel.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.events)
	})
}

// offer attempts a non-blocking send. Returns false when the buffer is full.
func (s *Session) offer(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// SessionRegistry tracks live sessions keyed by connection id. Implementations
// must not deliver to a session after Remove returns.
type SessionRegistry interface {
	// Add registers a session under each of its rooms.
	Add(s *Session)
	// Remove unregisters and closes a session. Returns false if unknown.
	Remove(id string) bool
	// Deliver offers ev to every session in the topic's room.
	Deliver(topic string, ev Event) (delivered, dropped int)
	// DeliverAll offers ev to every session.
	DeliverAll(ev Event) (delivered, dropped int)
	// AccountSessions returns the ids of sessions joined to the account room.
	AccountSessions(accountID string) []string
	// Len returns the number of live sessions.
	Len() int
}

// MemoryRegistry is the in-process SessionRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session // topic -> session id -> session
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

func (r *MemoryRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	for _, room := range s.Rooms {
		topic := room.Topic()
		members, ok := r.rooms[topic]
		if !ok {
			members = make(map[string]*Session)
			r.rooms[topic] = members
		}
		members[s.ID] = s
	}
}

func (r *MemoryRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	for _, room := range s.Rooms {
		topic := room.Topic()
		if members, ok := r.rooms[topic]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, topic)
			}
		}
	}
	s.close()
	return true
}

func (r *MemoryRegistry) Deliver(topic string, ev Event) (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var delivered, dropped int
	for _, s := range r.rooms[topic] {
		if s.offer(ev) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (r *MemoryRegistry) DeliverAll(ev Event) (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var delivered, dropped int
	for _, s := range r.sessions {
		if s.offer(ev) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (r *MemoryRegistry) AccountSessions(accountID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[AccountRoom(accountID).Topic()]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
