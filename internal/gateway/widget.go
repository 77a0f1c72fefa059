// ABOUTME: Embeddable web widget endpoints for visitor leads and messages
// ABOUTME: Leads mint a widget token; visitors then post and read through X-Widget-ID

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/contract"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

// WidgetIDHeader names the widget bot a visitor is talking to.
const WidgetIDHeader = "X-Widget-ID"

// LeadRequest is the JSON body for POST /api/widget/lead.
type LeadRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// LeadResponse is returned when a lead is accepted.
type LeadResponse struct {
	VisitorID      string            `json:"visitor_id"`
	Token          string            `json:"token"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Message        *contract.Message `json:"message,omitempty"`
}

// widgetIntegration resolves the active widget named by the request header.
func (g *Gateway) widgetIntegration(ctx context.Context, r *http.Request) (*store.Integration, error) {
	widgetID := strings.TrimSpace(r.Header.Get(WidgetIDHeader))
	if widgetID == "" {
		return nil, fmt.Errorf("%w: %s header is required", errBadRequest, WidgetIDHeader)
	}
	in, err := g.store.FindIntegration(ctx, channel.Widget, widgetID)
	if err != nil {
		return nil, err
	}
	if !in.IsActive {
		return nil, store.ErrNotFound
	}
	return in, nil
}

func widgetEvent(in *store.Integration, visitorID, text string, hint identity.Hint, metadata map[string]any) ingest.Event {
	return ingest.Event{
		Channel:         channel.Widget,
		ConversationKey: in.ExternalID,
		CustomerID:      visitorID,
		Direction:       store.DirectionIn,
		Text:            text,
		Metadata:        metadata,
		Profile:         hint,
		Tenant:          ingest.Tenant{OrganizationID: in.OrganizationID, AccountID: in.AccountID},
		BotInfo:         &store.Profile{Name: in.Name, Avatar: in.AvatarURL},
		BotReplyDefault: in.BotReplyDefault,
		IncrementUnread: true,
	}
}

// handleWidgetLead registers a visitor. When the lead carries a message it
// opens the conversation with it.
func (g *Gateway) handleWidgetLead(w http.ResponseWriter, r *http.Request) {
	in, err := g.widgetIntegration(r.Context(), r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req LeadRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Message = strings.TrimSpace(req.Message)
	if req.Name == "" && req.Phone == "" && req.Message == "" {
		sendJSONError(w, http.StatusBadRequest, "at least one of name, phone or message is required")
		return
	}

	visitorID := strings.ReplaceAll(uuid.NewString(), "-", "")
	hint := identity.Hint{Name: req.Name, Phone: req.Phone}
	resp := LeadResponse{VisitorID: visitorID}

	if req.Message != "" {
		res, err := g.pipeline.Ingest(r.Context(), widgetEvent(in, visitorID, req.Message, hint,
			map[string]any{"source": "widget", "lead": true, "phone": req.Phone}))
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		msg := contract.NewMessage(res.Message)
		resp.ConversationID = res.Conversation.ID
		resp.Message = &msg
	} else if _, err := g.resolver.Resolve(r.Context(), channel.Widget, visitorID, hint); err != nil {
		g.writeError(w, r, err)
		return
	}

	resp.Token, err = g.verifier.Generate(auth.Identity{
		AccountID: auth.WidgetAccountPrefix + visitorID,
		Name:      req.Name,
		Kind:      auth.KindWidget,
	}, g.config.Auth.WidgetTokenTTL)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("widget lead accepted", "widget_id", in.ExternalID, "visitor_id", visitorID)
	writeJSON(w, http.StatusCreated, resp)
}

// handleWidgetSend posts a visitor message.
func (g *Gateway) handleWidgetSend(w http.ResponseWriter, r *http.Request) {
	visitor := caller(r)
	in, err := g.widgetIntegration(r.Context(), r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		g.writeError(w, r, ingest.ErrEmptyText)
		return
	}

	res, err := g.pipeline.Ingest(r.Context(), widgetEvent(in, visitor.VisitorID(), text,
		identity.Hint{Name: visitor.Name}, map[string]any{"source": "widget"}))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SendResponse{
		Message:      contract.NewMessage(res.Message),
		Conversation: contract.NewConversation(res.Conversation, ""),
	})
}

// handleWidgetMessages returns the visitor's own timeline, oldest first.
func (g *Gateway) handleWidgetMessages(w http.ResponseWriter, r *http.Request) {
	visitor := caller(r)
	in, err := g.widgetIntegration(r.Context(), r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	conv, err := g.store.FindConversation(r.Context(), store.ConversationKey{
		TenantScope:     in.TenantScope(),
		Channel:         channel.Widget,
		ConversationKey: in.ExternalID,
		CustomerKey:     store.CustomerKey(channel.Widget, visitor.VisitorID()),
	})
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, MessagesResponse{Messages: []contract.Message{}})
		return
	}
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
