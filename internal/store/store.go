// ABOUTME: Store interfaces and data types for switchboard persistence
// ABOUTME: Defines customers, conversations, messages, integrations and lock records

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateIntegration is returned when a channel endpoint is already registered
// to a different tenant.
var ErrDuplicateIntegration = errors.New("integration already exists")

// ConflictError reports that a conversation lock is held by someone else.
type ConflictError struct {
	Holder Handler
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation locked by %s", e.Holder.StaffID)
}

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionIn  Direction = "in"  // from customer
	DirectionOut Direction = "out" // from staff or bot
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// DefaultDisplayName is shown when a customer has no name and no nickname.
const DefaultDisplayName = "Customer"

// Profile is a denormalized name/avatar pair.
type Profile struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Customer is an external contact, keyed by channel and platform-specific id.
type Customer struct {
	Key         string // "<channel>:<external_id>"
	Channel     string
	ExternalID  string
	DisplayName string
	AvatarURL   string
	Phone       string
	IsStaff     bool // internal test accounts, hidden from search
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CustomerUpsert carries the identity key and any profile fields to merge.
// Empty profile fields never overwrite stored values.
type CustomerUpsert struct {
	Channel     string
	ExternalID  string
	DisplayName string
	AvatarURL   string
	Phone       string
}

// CustomerKey builds the identity key for a channel contact.
func CustomerKey(channel, externalID string) string {
	return channel + ":" + externalID
}

// Handler is the staff member currently owning a conversation.
type Handler struct {
	StaffID   string    `json:"staff_id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// MessagePreview is the denormalized last message of a conversation.
type MessagePreview struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationKey uniquely identifies a conversation within a tenant.
type ConversationKey struct {
	TenantScope     string
	Channel         string
	ConversationKey string // OA id, page id, or widget bot id
	CustomerKey     string
}

// Conversation is one channel+customer thread owned by a tenant.
type Conversation struct {
	ID              string
	TenantScope     string
	OrganizationID  string
	AccountID       string
	Channel         string
	ConversationKey string
	CustomerKey     string
	CustomerInfo    Profile
	BotInfo         Profile
	LastMessage     *MessagePreview
	UnreadCount     int
	Nicknames       map[string]string
	BotReply        bool
	Tags            []string
	Handler         *Handler
	LockExpiresAt   *time.Time // nil while unlocked or when claimed persistently
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key returns the identity tuple of the conversation.
func (c *Conversation) Key() ConversationKey {
	return ConversationKey{
		TenantScope:     c.TenantScope,
		Channel:         c.Channel,
		ConversationKey: c.ConversationKey,
		CustomerKey:     c.CustomerKey,
	}
}

// DisplayName resolves the customer name as seen by a particular staff viewer.
func (c *Conversation) DisplayName(viewerID string) string {
	if nick, ok := c.Nicknames[viewerID]; ok && nick != "" {
		return nick
	}
	if c.CustomerInfo.Name != "" {
		return c.CustomerInfo.Name
	}
	return DefaultDisplayName
}

// LockedBy reports whether the conversation holds an unexpired lock for someone
// other than staffID at the given instant.
func (c *Conversation) LockedBy(staffID string, now time.Time) (*Handler, bool) {
	if c.Handler == nil || c.Handler.StaffID == staffID {
		return nil, false
	}
	if c.LockExpiresAt != nil && !c.LockExpiresAt.After(now) {
		return nil, false
	}
	return c.Handler, true
}

// ConversationPatch describes an upsert. Insert-only fields are UnreadCount's
// initial value, BotReplyDefault and CreatedAt; the rest are written every time.
type ConversationPatch struct {
	OrganizationID  string
	AccountID       string
	CustomerInfo    *Profile
	BotInfo         *Profile
	LastMessage     *MessagePreview
	Direction       Direction
	IncrementUnread bool
	BotReplyDefault bool
}

// unreadDelta is the unread increment this patch contributes.
func (p ConversationPatch) unreadDelta() int {
	if p.Direction == DirectionIn && p.IncrementUnread {
		return 1
	}
	return 0
}

// ExpiredLock describes a lock cleared by the expiry sweep.
type ExpiredLock struct {
	ConversationID string
	TenantScope    string
	OrganizationID string
	AccountID      string
	Previous       Handler
	ExpiredAt      time.Time
}

// Message is an immutable entry in a conversation timeline.
type Message struct {
	ID             string
	ConversationID string
	Channel        string
	SenderKey      string
	Direction      Direction
	Text           string // empty for attachment-only messages
	Metadata       map[string]any
	SenderProfile  Profile
	IsRead         bool
	CreatedAt      time.Time
}

// Integration binds an external channel endpoint to a tenant.
type Integration struct {
	ID              string
	Channel         string
	ExternalID      string // OA id, page id, or widget bot id
	AccountID       string
	OrganizationID  string
	Name            string
	AvatarURL       string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       *time.Time
	IsActive        bool
	BotReplyDefault bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TenantScope returns the organization id, falling back to the owning account.
func (i *Integration) TenantScope() string {
	return TenantScope(i.OrganizationID, i.AccountID)
}

// TenantScope picks the isolation boundary: organization when present, else account.
func TenantScope(organizationID, accountID string) string {
	if organizationID != "" {
		return organizationID
	}
	return accountID
}

// CustomerStore persists channel contacts.
type CustomerStore interface {
	UpsertCustomer(ctx context.Context, in CustomerUpsert) (*Customer, error)
	GetCustomer(ctx context.Context, key string) (*Customer, error)
	SearchCustomers(ctx context.Context, query string, limit int) ([]*Customer, error)
	SetCustomerStaff(ctx context.Context, key string, isStaff bool) error
}

// ConversationStore persists conversation records.
type ConversationStore interface {
	UpsertConversation(ctx context.Context, key ConversationKey, patch ConversationPatch) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversation(ctx context.Context, key ConversationKey) (*Conversation, error)
	ListConversations(ctx context.Context, tenantScope string, limit, skip int) ([]*Conversation, error)
	MarkRead(ctx context.Context, id string) (*Conversation, error)
	SetTags(ctx context.Context, id string, tags []string) (*Conversation, error)
	SetBotReply(ctx context.Context, id string, enabled bool) (*Conversation, error)
	SetNickname(ctx context.Context, id, viewerID, nickname string) (*Conversation, error)
}

// LockStore performs lock transitions as single conditional writes.
type LockStore interface {
	// ClaimLock takes the lock when unlocked, expired at now, or already held by
	// the same staff member. A nil expiresAt makes the lock persistent.
	ClaimLock(ctx context.Context, id string, h Handler, expiresAt *time.Time, now time.Time) (*Conversation, error)
	// ClaimLockIfUnset takes a persistent lock only when no handler is set.
	// claimed is false when the caller already held it.
	ClaimLockIfUnset(ctx context.Context, id string, h Handler) (conv *Conversation, claimed bool, err error)
	// ReleaseLock clears the lock when held by requesterID, or by anyone when force is set.
	// released is false when the conversation was already unlocked.
	ReleaseLock(ctx context.Context, id, requesterID string, force bool) (conv *Conversation, prev *Handler, released bool, err error)
	// ExpireLocks clears every lock whose expiry is at or before now.
	ExpireLocks(ctx context.Context, now time.Time) ([]ExpiredLock, error)
}

// MessageStore persists conversation messages.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *Message) error
	// InsertOutboundUnlessEcho inserts msg unless an outbound message with the same
	// text exists on the conversation at or after since. When one exists it is
	// returned with inserted=false.
	InsertOutboundUnlessEcho(ctx context.Context, msg *Message, since time.Time) (stored *Message, inserted bool, err error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// IntegrationStore persists channel endpoint registrations.
type IntegrationStore interface {
	UpsertIntegration(ctx context.Context, in *Integration) (*Integration, error)
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	FindIntegration(ctx context.Context, channel, externalID string) (*Integration, error)
	ListIntegrations(ctx context.Context, tenantScope string) ([]*Integration, error)
	SetIntegrationActive(ctx context.Context, id string, active bool) (*Integration, error)
	DeleteIntegration(ctx context.Context, id string) error
	IntegrationsNeedingRefresh(ctx context.Context, before time.Time) ([]*Integration, error)
}

// Store combines every persistence concern.
type Store interface {
	CustomerStore
	ConversationStore
	LockStore
	MessageStore
	IntegrationStore

	Ping(ctx context.Context) error
	Close() error
}
