// ABOUTME: Live event types pushed to connected staff and widget clients
// ABOUTME: Payloads are encoded once so every room and relay sees the same bytes

package eventbus

import (
	"encoding/json"
	"time"
)

// EventType is one of the fixed live event names.
type EventType string

const (
	EventNewMessage            EventType = "new-message"
	EventUpdateConversation    EventType = "update-conversation"
	EventConversationLocked    EventType = "conversation-locked"
	EventConversationUnlocked  EventType = "conversation-unlocked"
	EventRequestAccess         EventType = "request-access"
	EventRequestAccessResponse EventType = "request-access-response"
	EventIntegrationAdded      EventType = "integration-added"
	EventIntegrationRemoved    EventType = "integration-removed"
	EventForceLogout           EventType = "force-logout"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNewMessage, EventUpdateConversation, EventConversationLocked, EventConversationUnlocked,
		EventRequestAccess, EventRequestAccessResponse, EventIntegrationAdded, EventIntegrationRemoved,
		EventForceLogout:
		return true
	}
	return false
}

// Event is what a session receives. Room is set per delivered copy, so a
// client in both an account and an organization room can tell the copies
// apart and de-duplicate by ID.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
