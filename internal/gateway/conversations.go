// ABOUTME: Staff REST handlers for conversations, messages, locks and access requests
// ABOUTME: Every handler scopes lookups to the caller's tenant and hides other tenants as 404

package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/contract"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/store"
)

// ConversationResponse wraps a single conversation.
type ConversationResponse struct {
	Conversation contract.Conversation `json:"conversation"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []contract.Conversation `json:"conversations"`
	Limit         int                     `json:"limit"`
	Skip          int                     `json:"skip"`
}

// MessagesResponse is the JSON response for message listings.
type MessagesResponse struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Messages       []contract.Message `json:"messages"`
}

// SendRequest is the JSON body for posting a message.
type SendRequest struct {
	Text string `json:"text"`
}

// SendResponse is the JSON response for a staff or widget send.
type SendResponse struct {
	Message      contract.Message      `json:"message"`
	Conversation contract.Conversation `json:"conversation"`
}

// LockRequest is the JSON body for POST …/lock.
type LockRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// UnlockRequest is the JSON body for POST …/unlock.
type UnlockRequest struct {
	Force bool `json:"force"`
}

// LockResponse describes a lock transition.
type LockResponse struct {
	Conversation    contract.Conversation `json:"conversation"`
	Handler         *store.Handler        `json:"handler"`
	LockExpiresAt   *time.Time            `json:"lock_expires_at"`
	Claimed         bool                  `json:"claimed"`
	Released        bool                  `json:"released"`
	Observed        bool                  `json:"observed,omitempty"`
	PreviousHandler *store.Handler        `json:"previous_handler,omitempty"`
}

// AccessResponseRequest is the JSON body for POST …/request-access-response.
type AccessResponseRequest struct {
	RequesterID string `json:"requester_id"`
	Accepted    bool   `json:"accepted"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type botReplyRequest struct {
	Enabled bool `json:"enabled"`
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

// caller returns the authenticated identity; routes are always wrapped in
// the auth middleware.
func caller(r *http.Request) auth.Identity {
	return *auth.MustFromContext(r.Context())
}

// loadConversation fetches a conversation visible to the caller's tenant.
func (g *Gateway) loadConversation(ctx context.Context, actor auth.Identity, id string) (*store.Conversation, error) {
	conv, err := g.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantScope != actor.TenantScope() {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	limit, skip := pageParams(r.URL.Query())
	convs, err := g.store.ListConversations(r.Context(), actor.TenantScope(), limit, skip)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListConversationsResponse{
		Conversations: contract.Conversations(convs, actor.AccountID),
		Limit:         limit,
		Skip:          skip,
	})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	conv, err := g.loadConversation(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{Conversation: contract.NewConversation(conv, actor.AccountID)})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	conv, err := g.loadConversation(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, _ := pageParams(r.URL.Query())
	msgs, err := g.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{ConversationID: conv.ID, Messages: contract.Messages(msgs)})
}

func (g *Gateway) handleStaffSend(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.pipeline.SendAsStaff(r.Context(), actor, r.PathValue("id"), req.Text)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SendResponse{
		Message:      contract.NewMessage(res.Message),
		Conversation: contract.NewConversation(res.Conversation, actor.AccountID),
	})
}

// updateConversation runs a store write on a tenant-visible conversation and
// announces the new state to the tenant.
func (g *Gateway) updateConversation(w http.ResponseWriter, r *http.Request, write func(ctx context.Context, id string) (*store.Conversation, error)) {
	actor := caller(r)
	conv, err := g.loadConversation(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	updated, err := write(r.Context(), conv.ID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.announceConversation(r.Context(), updated)
	writeJSON(w, http.StatusOK, ConversationResponse{Conversation: contract.NewConversation(updated, actor.AccountID)})
}

func (g *Gateway) announceConversation(ctx context.Context, conv *store.Conversation) {
	err := g.bus.Broadcast(ctx, eventbus.EventUpdateConversation,
		contract.UpdateConversationEvent{Conversation: contract.NewConversation(conv, "")},
		eventbus.Target{AccountID: conv.AccountID, OrganizationID: conv.OrganizationID})
	if err != nil {
		g.logger.Warn("broadcast failed", "event_type", eventbus.EventUpdateConversation, "error", err)
	}
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	g.updateConversation(w, r, g.store.MarkRead)
}

func (g *Gateway) handleSetTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	tags := make([]string, 0, len(req.Tags))
	for _, t := range req.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	g.updateConversation(w, r, func(ctx context.Context, id string) (*store.Conversation, error) {
		return g.store.SetTags(ctx, id, tags)
	})
}

func (g *Gateway) handleSetBotReply(w http.ResponseWriter, r *http.Request) {
	var req botReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.updateConversation(w, r, func(ctx context.Context, id string) (*store.Conversation, error) {
		return g.store.SetBotReply(ctx, id, req.Enabled)
	})
}

func (g *Gateway) handleSetNickname(w http.ResponseWriter, r *http.Request) {
	var req nicknameRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	viewer := caller(r).AccountID
	g.updateConversation(w, r, func(ctx context.Context, id string) (*store.Conversation, error) {
		return g.store.SetNickname(ctx, id, viewer, strings.TrimSpace(req.Nickname))
	})
}

func (g *Gateway) handleLock(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	var req LockRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.TTLSeconds < 0 {
		sendJSONError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	res, err := g.engine.Claim(r.Context(), actor, r.PathValue("id"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(res, actor))
}

func (g *Gateway) handleUnlock(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	var req UnlockRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.engine.Release(r.Context(), actor, r.PathValue("id"), req.Force)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(res, actor))
}

func lockResponse(res *handoff.Result, actor auth.Identity) LockResponse {
	return LockResponse{
		Conversation:    contract.NewConversation(res.Conversation, actor.AccountID),
		Handler:         res.Conversation.Handler,
		LockExpiresAt:   res.Conversation.LockExpiresAt,
		Claimed:         res.Claimed,
		Released:        res.Released,
		Observed:        res.Observed,
		PreviousHandler: res.Previous,
	}
}

func (g *Gateway) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	holder, err := g.engine.RequestAccess(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requested": true, "current_handler": holder})
}

func (g *Gateway) handleRespondAccess(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	var req AccessResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.engine.RespondAccess(r.Context(), actor, r.PathValue("id"), req.RequesterID, req.Accepted)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(res, actor))
}

func (g *Gateway) handleSearchCustomers(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r.URL.Query())
	customers, err := g.resolver.Search(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]contract.Customer, 0, len(customers))
	for _, c := range customers {
		out = append(out, contract.NewCustomer(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": out})
}
