// ABOUTME: JSON shapes shared by live events and REST responses
// ABOUTME: Converts store records into the fields staff and widget clients render

package contract

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Person identifies a staff member in access-request events.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is the client view of a conversation. DisplayName is resolved
// for the viewer when one is known; room broadcasts carry Nicknames so each
// client can resolve its own.
type Conversation struct {
	ID              string               `json:"id"`
	OrganizationID  string               `json:"organization_id,omitempty"`
	AccountID       string               `json:"account_id,omitempty"`
	Channel         string               `json:"channel"`
	ConversationKey string               `json:"conversation_key"`
	CustomerKey     string               `json:"customer_key"`
	DisplayName     string               `json:"display_name"`
	Customer        store.Profile        `json:"customer"`
	Bot             store.Profile        `json:"bot"`
	LastMessage     *store.MessagePreview `json:"last_message,omitempty"`
	UnreadCount     int                  `json:"unread_count"`
	Nicknames       map[string]string    `json:"nicknames,omitempty"`
	BotReply        bool                 `json:"bot_reply"`
	Tags            []string             `json:"tags"`
	Handler         *store.Handler       `json:"handler"`
	LockExpiresAt   *time.Time           `json:"lock_expires_at"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// NewConversation builds the view of c for viewerID (empty for room broadcasts).
func NewConversation(c *store.Conversation, viewerID string) Conversation {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	v := Conversation{
		ID:              c.ID,
		OrganizationID:  c.OrganizationID,
		AccountID:       c.AccountID,
		Channel:         c.Channel,
		ConversationKey: c.ConversationKey,
		CustomerKey:     c.CustomerKey,
		DisplayName:     c.DisplayName(viewerID),
		Customer:        c.CustomerInfo,
		Bot:             c.BotInfo,
		LastMessage:     c.LastMessage,
		UnreadCount:     c.UnreadCount,
		BotReply:        c.BotReply,
		Tags:            tags,
		Handler:         c.Handler,
		LockExpiresAt:   c.LockExpiresAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if viewerID == "" {
		v.Nicknames = c.Nicknames
	}
	return v
}

// Conversations maps a slice for viewerID.
func Conversations(convs []*store.Conversation, viewerID string) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, NewConversation(c, viewerID))
	}
	return out
}

// Message is the client view of a timeline entry.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Channel        string         `json:"channel"`
	SenderKey      string         `json:"sender_key"`
	Direction      store.Direction `json:"direction"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Sender         store.Profile  `json:"sender"`
	IsRead         bool           `json:"is_read"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewMessage builds the view of m.
func NewMessage(m *store.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Channel:        m.Channel,
		SenderKey:      m.SenderKey,
		Direction:      m.Direction,
		Text:           m.Text,
		Metadata:       m.Metadata,
		Sender:         m.SenderProfile,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}

// Messages maps a slice.
func Messages(msgs []*store.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessage(m))
	}
	return out
}

// NewMessageEvent is the new-message payload.
type NewMessageEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// UpdateConversationEvent is the update-conversation payload.
type UpdateConversationEvent struct {
	Conversation Conversation `json:"conversation"`
}

// Unlock reasons.
const (
	UnlockReleased = "released"
	UnlockForced   = "forced"
	UnlockExpired  = "expired"
	UnlockHandoff  = "handed-off"
)

// LockEvent is the conversation-locked and conversation-unlocked payload.
type LockEvent struct {
	ConversationID  string         `json:"conversation_id"`
	Handler         *store.Handler `json:"handler,omitempty"`
	LockExpiresAt   *time.Time     `json:"lock_expires_at,omitempty"`
	PreviousHandler *store.Handler `json:"previous_handler,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// AccessRequestEvent is the request-access payload sent to the lock holder.
type AccessRequestEvent struct {
	ConversationID string `json:"conversation_id"`
	Requester      Person `json:"requester"`
}

// AccessResponseEvent is the request-access-response payload sent to the requester.
type AccessResponseEvent struct {
	ConversationID string `json:"conversation_id"`
	Accepted       bool   `json:"accepted"`
	Responder      Person `json:"responder"`
}

// Integration is the client view of a channel integration. Tokens are never exposed.
type Integration struct {
	ID              string     `json:"id"`
	Channel         string     `json:"channel"`
	ExternalID      string     `json:"external_id"`
	AccountID       string     `json:"account_id"`
	OrganizationID  string     `json:"organization_id,omitempty"`
	Name            string     `json:"name"`
	AvatarURL       string     `json:"avatar_url,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	BotReplyDefault bool       `json:"bot_reply_default"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewIntegration builds the view of in.
func NewIntegration(in *store.Integration) Integration {
	return Integration{
		ID:              in.ID,
		Channel:         in.Channel,
		ExternalID:      in.ExternalID,
		AccountID:       in.AccountID,
		OrganizationID:  in.OrganizationID,
		Name:            in.Name,
		AvatarURL:       in.AvatarURL,
		ExpiresAt:       in.ExpiresAt,
		IsActive:        in.IsActive,
		BotReplyDefault: in.BotReplyDefault,
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       in.UpdatedAt,
	}
}

// IntegrationEvent is the integration-added and integration-removed payload.
type IntegrationEvent struct {
	Integration Integration `json:"integration"`
}

// ForceLogoutEvent is the force-logout payload.
type ForceLogoutEvent struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

// Customer is the client view of a customer search hit.
type Customer struct {
	Key         string    `json:"key"`
	Channel     string    `json:"channel"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewCustomer builds the view of c.
func NewCustomer(c *store.Customer) Customer {
	name := c.DisplayName
	if name == "" {
		name = store.DefaultDisplayName
	}
	return Customer{
		Key:         c.Key,
		Channel:     c.Channel,
		ExternalID:  c.ExternalID,
		DisplayName: name,
		AvatarURL:   c.AvatarURL,
		Phone:       c.Phone,
		CreatedAt:   c.CreatedAt,
	}
}
