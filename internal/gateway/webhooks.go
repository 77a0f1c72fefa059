// ABOUTME: Platform webhook receivers for Zalo OA and Facebook Messenger
// ABOUTME: Verifies, parses, de-duplicates and ingests events, acknowledging everything but bad signatures

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

// handleWebhookVerify answers the platform's subscription handshake.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	adapter, ok := g.channels.Adapter(r.PathValue("channel"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "unknown channel")
		return
	}
	challenge, err := adapter.VerifyChallenge(r.URL.Query())
	if err != nil {
		g.logger.Warn("webhook verification refused", "channel", adapter.Name(), "remote", r.RemoteAddr)
		sendJSONError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhook receives platform events. Platforms retry on non-2xx, so
// anything short of a signature mismatch is acknowledged.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	adapter, ok := g.channels.Adapter(r.PathValue("channel"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "unknown channel")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		g.logger.Warn("reading webhook body failed", "channel", adapter.Name(), "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := adapter.VerifySignature(r.Header, body); err != nil {
		g.logger.Warn("webhook signature rejected", "channel", adapter.Name(), "remote", r.RemoteAddr)
		sendJSONError(w, http.StatusForbidden, "invalid signature")
		return
	}

	events, err := adapter.Parse(body)
	if err != nil {
		g.logger.Warn("unparseable webhook payload", "channel", adapter.Name(), "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	processed := 0
	for _, ev := range events {
		if g.ingestWebhookEvent(r.Context(), ev) {
			processed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "processed": processed})
}

// ingestWebhookEvent stores one platform event. Returns false when the event
// was skipped or failed; failures are logged, never returned to the platform.
func (g *Gateway) ingestWebhookEvent(ctx context.Context, ev channel.Event) bool {
	logger := g.logger.With("channel", ev.Channel, "endpoint_id", ev.EndpointID, "message_id", ev.MessageID)

	var key string
	if ev.MessageID != "" {
		key = dedupe.Key(ev.Channel, ev.MessageID)
		if g.dedupe.CheckAndMark(key) {
			logger.Debug("skipping redelivered webhook event")
			return false
		}
	}

	in, err := g.store.FindIntegration(ctx, ev.Channel, ev.EndpointID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Debug("no integration for webhook endpoint")
		return false
	case err != nil:
		logger.Error("looking up integration failed", "error", err)
		g.forget(key)
		return false
	case !in.IsActive:
		logger.Debug("integration inactive, ignoring event")
		return false
	}

	metadata := map[string]any{"source": "webhook"}
	if ev.MessageID != "" {
		metadata["platform_message_id"] = ev.MessageID
	}
	if ev.EventName != "" {
		metadata["event_name"] = ev.EventName
	}
	if len(ev.Attachments) > 0 {
		metadata["attachments"] = ev.Attachments
	}

	bot := store.Profile{Name: in.Name, Avatar: in.AvatarURL}
	iev := ingest.Event{
		Channel:         ev.Channel,
		ConversationKey: ev.EndpointID,
		CustomerID:      ev.CustomerID,
		Direction:       ev.Direction,
		Text:            ev.Text,
		Attachment:      ev.Attachment,
		Metadata:        metadata,
		Tenant:          ingest.Tenant{OrganizationID: in.OrganizationID, AccountID: in.AccountID},
		BotInfo:         &bot,
		BotReplyDefault: in.BotReplyDefault,
		IncrementUnread: true,
		SuppressEcho:    true,
	}
	if ev.Direction == store.DirectionOut {
		iev.SenderProfile = bot
	}

	res, err := g.pipeline.Ingest(ctx, iev)
	if err != nil {
		if errors.Is(err, ingest.ErrMissingIdentity) || errors.Is(err, ingest.ErrInvalidEvent) || errors.Is(err, identity.ErrMissingIdentity) {
			logger.Warn("dropping invalid webhook event", "error", err)
			return false
		}
		logger.Error("ingesting webhook event failed", "error", err)
		g.forget(key)
		return false
	}
	if res.Deduped {
		logger.Debug("webhook event was an echo of our own send", "conversation_id", res.Conversation.ID)
	}
	return true
}

// forget lets a platform retry succeed after a transient failure.
func (g *Gateway) forget(key string) {
	if key != "" {
		g.dedupe.Forget(key)
	}
}
