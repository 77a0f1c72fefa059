// ABOUTME: Ingestion pipeline turning channel events into stored messages and live events
// ABOUTME: Resolves the customer, upserts the conversation, suppresses echoes and queues auto-replies

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/contract"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/store"
)

// DefaultEchoWindow is how far back an outbound message counts as the
// original of a platform echo.
const DefaultEchoWindow = 10 * time.Second

// AttachmentPreview is the conversation preview for messages without text.
const AttachmentPreview = "Attachment"

// Ingestion errors
var (
	ErrMissingIdentity     = errors.New("event missing channel, conversation key or sender")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrEmptyText           = errors.New("message text is required")
	ErrIntegrationInactive = errors.New("integration is inactive")
	ErrSendFailed          = errors.New("channel send failed")
)

// Tenant names the owner of a conversation.
type Tenant struct {
	OrganizationID string
	AccountID      string
}

// Scope returns the isolation key for the tenant.
func (t Tenant) Scope() string {
	return store.TenantScope(t.OrganizationID, t.AccountID)
}

// Event is one message entering the system from any channel.
type Event struct {
	Channel         string
	ConversationKey string // OA id, page id, or widget bot id
	CustomerID      string // platform id of the customer, whichever way the message flows
	Direction       store.Direction
	Text            string
	Attachment      bool
	Metadata        map[string]any
	Profile         identity.Hint // customer profile observed on the event
	Tenant          Tenant
	BotInfo         *store.Profile
	BotReplyDefault bool
	IncrementUnread bool

	// SuppressEcho drops outbound text already stored within the echo
	// window. Set it for platform deliveries, which echo our own sends.
	SuppressEcho bool

	SenderKey     string        // defaults to the customer key inbound and the endpoint outbound
	SenderProfile store.Profile // staff or bot name on outbound messages
}

// Result is the outcome of Ingest.
type Result struct {
	Message      *store.Message
	Conversation *store.Conversation
	Customer     *store.Customer
	Deduped      bool // an equal outbound message was already stored; nothing was written or broadcast
}

// ReplyJob asks the auto-reply dispatcher to answer an inbound question.
type ReplyJob struct {
	ConversationID  string
	Channel         string
	ConversationKey string
	CustomerID      string
	Question        string
	Tenant          Tenant
}

// ReplyDispatcher accepts reply jobs without blocking.
type ReplyDispatcher interface {
	Dispatch(job ReplyJob) bool
}

// Claimer applies the first-responder rule after a staff send.
type Claimer interface {
	ClaimIfUnset(ctx context.Context, actor auth.Identity, conversationID string) (*handoff.Result, error)
}

// Store is what the pipeline needs from persistence.
type Store interface {
	UpsertConversation(ctx context.Context, key store.ConversationKey, patch store.ConversationPatch) (*store.Conversation, error)
	FindConversation(ctx context.Context, key store.ConversationKey) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	InsertMessage(ctx context.Context, msg *store.Message) error
	InsertOutboundUnlessEcho(ctx context.Context, msg *store.Message, since time.Time) (*store.Message, bool, error)
	FindIntegration(ctx context.Context, channel, externalID string) (*store.Integration, error)
}

// Pipeline stores and announces channel events.
type Pipeline struct {
	store      Store
	resolver   *identity.Resolver
	bus        eventbus.Broadcaster
	sender     channel.Sender
	claimer    Claimer
	replies    ReplyDispatcher
	echoWindow time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEchoWindow overrides DefaultEchoWindow.
func WithEchoWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.echoWindow = d
		}
	}
}

// WithSender sets the channel sender used by SendAsStaff.
func WithSender(s channel.Sender) Option {
	return func(p *Pipeline) { p.sender = s }
}

// WithClaimer sets the first-responder claimer used by SendAsStaff.
func WithClaimer(c Claimer) Option {
	return func(p *Pipeline) { p.claimer = c }
}

// New creates a Pipeline. Pass nil logger for default.
func New(s Store, resolver *identity.Resolver, bus eventbus.Broadcaster, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:      s,
		resolver:   resolver,
		bus:        bus,
		echoWindow: DefaultEchoWindow,
		logger:     logger.With("component", "ingest"),
		tracer:     otel.Tracer("github.com/2389/switchboard/internal/ingest"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetReplyDispatcher attaches the auto-reply dispatcher. The dispatcher
// itself ingests its answers, so it is wired after construction.
func (p *Pipeline) SetReplyDispatcher(d ReplyDispatcher) {
	p.replies = d
}

// Ingest stores an event and announces it to the tenant. With SuppressEcho,
// outbound text that matches a message stored within the echo window is
// treated as the platform echoing our own send: the conversation is left
// untouched and the stored message is returned with Deduped set.
func (p *Pipeline) Ingest(ctx context.Context, ev Event) (res *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("channel", ev.Channel),
		attribute.String("direction", string(ev.Direction)),
	))
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.Bool("ingest.deduped", res.Deduped))
		}
		endSpan(span, err)
	}()

	if err := validate(ev); err != nil {
		return nil, err
	}

	customer, err := p.resolver.Resolve(ctx, ev.Channel, ev.CustomerID, ev.Profile)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	preview := ev.Text
	if preview == "" && ev.Attachment {
		preview = AttachmentPreview
	}

	key := store.ConversationKey{
		TenantScope:     ev.Tenant.Scope(),
		Channel:         ev.Channel,
		ConversationKey: ev.ConversationKey,
		CustomerKey:     customer.Key,
	}
	senderKey := ev.SenderKey
	if senderKey == "" {
		senderKey = customer.Key
		if ev.Direction == store.DirectionOut {
			senderKey = store.CustomerKey(ev.Channel, ev.ConversationKey)
		}
	}
	msg := &store.Message{
		Channel:       ev.Channel,
		SenderKey:     senderKey,
		Direction:     ev.Direction,
		Text:          ev.Text,
		Metadata:      ev.Metadata,
		SenderProfile: ev.SenderProfile,
		IsRead:        ev.Direction == store.DirectionOut,
		CreatedAt:     now,
	}
	if ev.Direction == store.DirectionIn && msg.SenderProfile == (store.Profile{}) {
		msg.SenderProfile = store.Profile{Name: customer.DisplayName, Avatar: customer.AvatarURL}
	}

	stored := false
	if ev.SuppressEcho && ev.Direction == store.DirectionOut && ev.Text != "" {
		existing, err := p.store.FindConversation(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// a new conversation has nothing to echo
		case err != nil:
			return nil, err
		default:
			msg.ConversationID = existing.ID
			original, inserted, err := p.store.InsertOutboundUnlessEcho(ctx, msg, now.Add(-p.echoWindow))
			if err != nil {
				return nil, err
			}
			if !inserted {
				p.logger.Debug("suppressed outbound echo", "conversation_id", existing.ID, "message_id", original.ID)
				return &Result{Message: original, Conversation: existing, Customer: customer, Deduped: true}, nil
			}
			msg = original
			stored = true
		}
	}

	conv, err := p.store.UpsertConversation(ctx, key, store.ConversationPatch{
		OrganizationID:  ev.Tenant.OrganizationID,
		AccountID:       ev.Tenant.AccountID,
		CustomerInfo:    &store.Profile{Name: customer.DisplayName, Avatar: customer.AvatarURL},
		BotInfo:         ev.BotInfo,
		LastMessage:     &store.MessagePreview{Text: preview, CreatedAt: now},
		Direction:       ev.Direction,
		IncrementUnread: ev.IncrementUnread,
		BotReplyDefault: ev.BotReplyDefault,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	if !stored {
		msg.ConversationID = conv.ID
		if err := p.store.InsertMessage(ctx, msg); err != nil {
			return nil, err
		}
	}

	p.announce(ctx, conv, msg)

	if ev.Direction == store.DirectionIn && ev.Text != "" && conv.BotReply && p.replies != nil {
		p.replies.Dispatch(ReplyJob{
			ConversationID:  conv.ID,
			Channel:         ev.Channel,
			ConversationKey: ev.ConversationKey,
			CustomerID:      ev.CustomerID,
			Question:        ev.Text,
			Tenant:          ev.Tenant,
		})
	}

	p.logger.Debug("ingested message",
		"conversation_id", conv.ID, "message_id", msg.ID, "channel", ev.Channel, "direction", ev.Direction)
	return &Result{Message: msg, Conversation: conv, Customer: customer}, nil
}

// SendAsStaff delivers text from a staff member through the conversation's
// channel, records it, and makes the sender the handler when nobody is.
func (p *Pipeline) SendAsStaff(ctx context.Context, actor auth.Identity, conversationID, text string) (res *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.SendAsStaff", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("actor.id", actor.AccountID),
	))
	defer func() { endSpan(span, err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if p.sender == nil {
		return nil, fmt.Errorf("%w: no sender configured", ErrSendFailed)
	}

	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantScope != actor.TenantScope() {
		return nil, store.ErrNotFound
	}
	if holder, locked := conv.LockedBy(actor.AccountID, p.now()); locked {
		return nil, &store.ConflictError{Holder: *holder}
	}

	in, err := p.store.FindIntegration(ctx, conv.Channel, conv.ConversationKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no integration for %s %s", ErrIntegrationInactive, conv.Channel, conv.ConversationKey)
		}
		return nil, err
	}
	if !in.IsActive {
		return nil, ErrIntegrationInactive
	}

	customerID := strings.TrimPrefix(conv.CustomerKey, conv.Channel+":")
	receipt, err := p.sender.Send(ctx, in, customerID, text)
	if err != nil {
		p.logger.Warn("staff send failed", "conversation_id", conv.ID, "channel", conv.Channel, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	res, err = p.Ingest(ctx, Event{
		Channel:         conv.Channel,
		ConversationKey: conv.ConversationKey,
		CustomerID:      customerID,
		Direction:       store.DirectionOut,
		Text:            receipt.DeliveredText(text),
		Metadata: map[string]any{
			"sent_by":      actor.AccountID,
			"sent_by_name": actor.Name,
			"receipt":      receipt,
		},
		Tenant:        Tenant{OrganizationID: conv.OrganizationID, AccountID: conv.AccountID},
		SenderKey:     "staff:" + actor.AccountID,
		SenderProfile: store.Profile{Name: actor.Name},
	})
	if err != nil {
		return nil, err
	}

	if p.claimer != nil {
		if _, err := p.claimer.ClaimIfUnset(ctx, actor, conv.ID); err != nil {
			var conflict *store.ConflictError
			if errors.As(err, &conflict) {
				p.logger.Info("first-send claim skipped", "conversation_id", conv.ID, "holder", conflict.Holder.StaffID)
			} else {
				p.logger.Warn("first-send claim failed", "conversation_id", conv.ID, "error", err)
			}
		}
	}
	return res, nil
}

// announce broadcasts the new message and the updated conversation to the
// tenant. Widget visitors also get the message in their own room.
func (p *Pipeline) announce(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	target := eventbus.Target{AccountID: conv.AccountID, OrganizationID: conv.OrganizationID}
	newMessage := contract.NewMessageEvent{ConversationID: conv.ID, Message: contract.NewMessage(msg)}

	p.emit(ctx, eventbus.EventNewMessage, newMessage, target)
	p.emit(ctx, eventbus.EventUpdateConversation, contract.UpdateConversationEvent{
		Conversation: contract.NewConversation(conv, ""),
	}, target)

	if conv.Channel == channel.Widget {
		visitor := strings.TrimPrefix(conv.CustomerKey, channel.Widget+":")
		p.emit(ctx, eventbus.EventNewMessage, newMessage, eventbus.Target{AccountID: auth.WidgetAccountPrefix + visitor})
	}
}

func (p *Pipeline) emit(ctx context.Context, t eventbus.EventType, payload any, target eventbus.Target) {
	if err := p.bus.Broadcast(ctx, t, payload, target); err != nil {
		p.logger.Warn("broadcast failed", "event_type", t, "error", err)
	}
}

func validate(ev Event) error {
	if strings.TrimSpace(ev.Channel) == "" || strings.TrimSpace(ev.ConversationKey) == "" || strings.TrimSpace(ev.CustomerID) == "" {
		return ErrMissingIdentity
	}
	if !ev.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidEvent, ev.Direction)
	}
	if ev.Tenant.Scope() == "" {
		return fmt.Errorf("%w: no tenant", ErrInvalidEvent)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
