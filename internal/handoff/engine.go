// ABOUTME: Lock/handoff engine coordinating which staff member owns a conversation
// ABOUTME: Wraps the store's conditional lock writes with tenant checks, roles and live events

package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/contract"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
)

// DefaultLockTTL applies when a claim does not name a TTL.
const DefaultLockTTL = 300 * time.Second

// Handoff errors
var (
	ErrNotHolder     = errors.New("conversation is locked by another staff member")
	ErrForbidden     = errors.New("role may not force-release a lock")
	ErrNotLocked     = errors.New("conversation is not locked")
	ErrAlreadyHolder = errors.New("requester already holds the lock")
	ErrInvalidInput  = errors.New("invalid input")
)

// Store is what the engine needs from persistence.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	store.LockStore
}

// Result describes the outcome of a lock transition.
type Result struct {
	Conversation *store.Conversation
	Handler      *store.Handler
	ExpiresAt    *time.Time
	Claimed      bool           // a lock was written for the actor
	Released     bool           // a lock was cleared
	Observed     bool           // observer no-op; nothing written
	Previous     *store.Handler // holder before a release
}

// Engine performs claim, release, expiry and access-request transitions.
type Engine struct {
	store      Store
	bus        eventbus.Broadcaster
	defaultTTL time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates an Engine. A non-positive defaultTTL uses DefaultLockTTL.
// Pass nil logger for default.
func New(s Store, bus eventbus.Broadcaster, defaultTTL time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultLockTTL
	}
	return &Engine{
		store:      s,
		bus:        bus,
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "handoff"),
		tracer:     otel.Tracer("github.com/2389/switchboard/internal/handoff"),
		now:        time.Now,
	}
}

// Claim locks the conversation for the actor for ttl, or the default TTL when
// ttl is not positive. The holder renews by claiming again. Observers get the
// current state back without a write.
func (e *Engine) Claim(ctx context.Context, actor auth.Identity, conversationID string, ttl time.Duration) (res *Result, err error) {
	ctx, span := e.start(ctx, "handoff.Claim", conversationID, actor)
	defer func() { endSpan(span, err) }()

	conv, err := e.load(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleObserver {
		return &Result{Conversation: conv, Handler: conv.Handler, ExpiresAt: conv.LockExpiresAt, Observed: true}, nil
	}

	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	now := e.now().UTC()
	expiresAt := now.Add(ttl)
	h := store.Handler{StaffID: actor.AccountID, Name: actor.Name, StartedAt: now}

	locked, err := e.store.ClaimLock(ctx, conv.ID, h, &expiresAt, now)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			e.logger.Debug("claim refused", "conversation_id", conv.ID, "staff_id", actor.AccountID, "holder", conflict.Holder.StaffID)
		}
		return nil, err
	}

	// A different holder here means their lock had lapsed.
	var previous *store.Handler
	if conv.Handler != nil && conv.Handler.StaffID != actor.AccountID {
		previous = conv.Handler
	}
	e.logger.Info("conversation locked", "conversation_id", locked.ID, "staff_id", actor.AccountID, "expires_at", expiresAt)
	e.broadcast(ctx, eventbus.EventConversationLocked, contract.LockEvent{
		ConversationID:  locked.ID,
		Handler:         locked.Handler,
		LockExpiresAt:   locked.LockExpiresAt,
		PreviousHandler: previous,
	}, locked)

	return &Result{
		Conversation: locked,
		Handler:      locked.Handler,
		ExpiresAt:    locked.LockExpiresAt,
		Claimed:      true,
		Previous:     previous,
	}, nil
}

// ClaimIfUnset gives the actor a persistent lock when nobody holds one. This
// is the first-responder rule applied after a staff send. Holding the lock
// already is a success with Claimed=false.
func (e *Engine) ClaimIfUnset(ctx context.Context, actor auth.Identity, conversationID string) (res *Result, err error) {
	ctx, span := e.start(ctx, "handoff.ClaimIfUnset", conversationID, actor)
	defer func() { endSpan(span, err) }()

	conv, err := e.load(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleObserver {
		return &Result{Conversation: conv, Handler: conv.Handler, ExpiresAt: conv.LockExpiresAt, Observed: true}, nil
	}

	h := store.Handler{StaffID: actor.AccountID, Name: actor.Name, StartedAt: e.now().UTC()}
	locked, claimed, err := e.store.ClaimLockIfUnset(ctx, conv.ID, h)
	if err != nil {
		return nil, err
	}
	if claimed {
		e.logger.Info("conversation claimed by first responder", "conversation_id", locked.ID, "staff_id", actor.AccountID)
		e.broadcast(ctx, eventbus.EventConversationLocked, contract.LockEvent{
			ConversationID: locked.ID,
			Handler:        locked.Handler,
		}, locked)
	}
	return &Result{Conversation: locked, Handler: locked.Handler, ExpiresAt: locked.LockExpiresAt, Claimed: claimed}, nil
}

// Release clears the actor's lock. With force, admins and observers may clear
// anyone's lock. Releasing an unlocked conversation succeeds with Released=false.
func (e *Engine) Release(ctx context.Context, actor auth.Identity, conversationID string, force bool) (res *Result, err error) {
	ctx, span := e.start(ctx, "handoff.Release", conversationID, actor)
	span.SetAttributes(attribute.Bool("handoff.force", force))
	defer func() { endSpan(span, err) }()

	if force && !actor.CanForce() {
		return nil, ErrForbidden
	}
	conv, err := e.load(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	return e.release(ctx, actor, conv.ID, force, "")
}

func (e *Engine) release(ctx context.Context, actor auth.Identity, id string, force bool, reason string) (*Result, error) {
	conv, prev, released, err := e.store.ReleaseLock(ctx, id, actor.AccountID, force)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return nil, fmt.Errorf("%w (held by %s)", ErrNotHolder, conflict.Holder.StaffID)
		}
		return nil, err
	}
	if !released {
		return &Result{Conversation: conv}, nil
	}

	if reason == "" {
		reason = contract.UnlockReleased
		if prev.StaffID != actor.AccountID {
			reason = contract.UnlockForced
		}
	}
	e.logger.Info("conversation unlocked", "conversation_id", conv.ID, "staff_id", actor.AccountID, "previous", prev.StaffID, "reason", reason)
	e.broadcast(ctx, eventbus.EventConversationUnlocked, contract.LockEvent{
		ConversationID:  conv.ID,
		PreviousHandler: prev,
		Reason:          reason,
	}, conv)

	return &Result{Conversation: conv, Released: true, Previous: prev}, nil
}

// ExpireSweep clears every lock that expired at or before now and announces
// each one. Locks renewed while the sweep runs are left alone.
func (e *Engine) ExpireSweep(ctx context.Context, now time.Time) (expired []store.ExpiredLock, err error) {
	ctx, span := e.tracer.Start(ctx, "handoff.ExpireSweep")
	defer func() {
		span.SetAttributes(attribute.Int("handoff.expired", len(expired)))
		endSpan(span, err)
	}()

	expired, err = e.store.ExpireLocks(ctx, now.UTC())
	for _, lock := range expired {
		prev := lock.Previous
		e.logger.Info("conversation lock expired", "conversation_id", lock.ConversationID, "previous", prev.StaffID)
		e.emit(ctx, eventbus.EventConversationUnlocked, contract.LockEvent{
			ConversationID:  lock.ConversationID,
			PreviousHandler: &prev,
			Reason:          contract.UnlockExpired,
		}, eventbus.Target{AccountID: lock.AccountID, OrganizationID: lock.OrganizationID})
	}
	if err != nil {
		return expired, fmt.Errorf("expiring locks: %w", err)
	}
	return expired, nil
}

// RequestAccess asks the current holder to hand the conversation over. The
// request is delivered to the holder's account room and nothing is stored.
func (e *Engine) RequestAccess(ctx context.Context, actor auth.Identity, conversationID string) (holder *store.Handler, err error) {
	ctx, span := e.start(ctx, "handoff.RequestAccess", conversationID, actor)
	defer func() { endSpan(span, err) }()

	conv, err := e.load(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Handler != nil && conv.Handler.StaffID == actor.AccountID {
		return nil, ErrAlreadyHolder
	}
	holder, locked := conv.LockedBy(actor.AccountID, e.now())
	if !locked {
		return nil, ErrNotLocked
	}

	e.emit(ctx, eventbus.EventRequestAccess, contract.AccessRequestEvent{
		ConversationID: conv.ID,
		Requester:      contract.Person{ID: actor.AccountID, Name: actor.Name},
	}, eventbus.Target{AccountID: holder.StaffID})
	e.logger.Debug("access requested", "conversation_id", conv.ID, "requester", actor.AccountID, "holder", holder.StaffID)
	return holder, nil
}

// RespondAccess answers an access request. Only the stored holder may
// answer; an acceptance releases the lock so the requester can claim it
// next. The answer goes to the requester's account room.
func (e *Engine) RespondAccess(ctx context.Context, actor auth.Identity, conversationID, requesterID string, accepted bool) (res *Result, err error) {
	ctx, span := e.start(ctx, "handoff.RespondAccess", conversationID, actor)
	span.SetAttributes(attribute.Bool("handoff.accepted", accepted))
	defer func() { endSpan(span, err) }()

	if requesterID == "" {
		return nil, fmt.Errorf("%w: requester_id is required", ErrInvalidInput)
	}
	conv, err := e.load(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.Handler == nil || conv.Handler.StaffID != actor.AccountID {
		return nil, ErrNotHolder
	}

	res = &Result{Conversation: conv}
	if accepted {
		res, err = e.release(ctx, actor, conv.ID, false, contract.UnlockHandoff)
		if err != nil {
			return nil, err
		}
	}

	e.emit(ctx, eventbus.EventRequestAccessResponse, contract.AccessResponseEvent{
		ConversationID: conv.ID,
		Accepted:       accepted,
		Responder:      contract.Person{ID: actor.AccountID, Name: actor.Name},
	}, eventbus.Target{AccountID: requesterID})
	return res, nil
}

// load fetches a conversation and hides it from actors of other tenants.
func (e *Engine) load(ctx context.Context, actor auth.Identity, id string) (*store.Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if actor.AccountID == "" {
		return nil, fmt.Errorf("%w: actor has no account", ErrInvalidInput)
	}
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantScope != actor.TenantScope() {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

// broadcast announces a change to the conversation's account and organization rooms.
func (e *Engine) broadcast(ctx context.Context, t eventbus.EventType, payload any, conv *store.Conversation) {
	e.emit(ctx, t, payload, eventbus.Target{AccountID: conv.AccountID, OrganizationID: conv.OrganizationID})
}

// emit never fails the transition; the state is already written.
func (e *Engine) emit(ctx context.Context, t eventbus.EventType, payload any, target eventbus.Target) {
	if err := e.bus.Broadcast(ctx, t, payload, target); err != nil {
		e.logger.Warn("broadcast failed", "event_type", t, "error", err)
	}
}

func (e *Engine) start(ctx context.Context, name, conversationID string, actor auth.Identity) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("actor.id", actor.AccountID),
		attribute.String("actor.role", string(actor.Role)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
