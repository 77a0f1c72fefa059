// ABOUTME: Integration management and admin handlers
// ABOUTME: Registers channel endpoints for a tenant and forces staff sessions off the live bus

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/switchboard/internal/contract"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateIntegrationRequest is the JSON body for POST /api/integrations.
type CreateIntegrationRequest struct {
	Channel         string     `json:"channel" validate:"required,oneof=zalo facebook widget"`
	ExternalID      string     `json:"external_id" validate:"required,max=128"`
	Name            string     `json:"name" validate:"max=200"`
	AvatarURL       string     `json:"avatar_url" validate:"omitempty,url"`
	AccessToken     string     `json:"access_token"`
	RefreshToken    string     `json:"refresh_token"`
	ExpiresAt       *time.Time `json:"expires_at"`
	BotReplyDefault bool       `json:"bot_reply_default"`
}

// IntegrationResponse wraps a single integration.
type IntegrationResponse struct {
	Integration contract.Integration `json:"integration"`
}

// ForceLogoutRequest is the JSON body for POST /api/admin/force-logout.
type ForceLogoutRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Reason    string `json:"reason"`
}

// validationError turns a validator failure into a bad request.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s failed %q validation", errBadRequest, verrs[0].Field(), verrs[0].Tag())
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func (g *Gateway) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	list, err := g.store.ListIntegrations(r.Context(), actor.TenantScope())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]contract.Integration, 0, len(list))
	for _, in := range list {
		out = append(out, contract.NewIntegration(in))
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

func (g *Gateway) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	actor := caller(r)
	var req CreateIntegrationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		g.writeError(w, r, validationError(err))
		return
	}

	in, err := g.store.UpsertIntegration(r.Context(), &store.Integration{
		Channel:         req.Channel,
		ExternalID:      req.ExternalID,
		AccountID:       actor.AccountID,
		OrganizationID:  actor.OrganizationID,
		Name:            req.Name,
		AvatarURL:       req.AvatarURL,
		AccessToken:     req.AccessToken,
		RefreshToken:    req.RefreshToken,
		ExpiresAt:       req.ExpiresAt,
		IsActive:        true,
		BotReplyDefault: req.BotReplyDefault,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("integration registered", "integration_id", in.ID, "channel", in.Channel, "external_id", in.ExternalID)
	g.announceIntegration(r.Context(), eventbus.EventIntegrationAdded, in)
	writeJSON(w, http.StatusCreated, IntegrationResponse{Integration: contract.NewIntegration(in)})
}

// loadIntegration fetches an integration owned by the caller's tenant.
func (g *Gateway) loadIntegration(r *http.Request) (*store.Integration, error) {
	in, err := g.store.GetIntegration(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	actor := caller(r)
	if in.TenantScope() != actor.TenantScope() {
		return nil, store.ErrNotFound
	}
	return in, nil
}

func (g *Gateway) handleActivateIntegration(w http.ResponseWriter, r *http.Request) {
	g.setIntegrationActive(w, r, true)
}

func (g *Gateway) handleDeactivateIntegration(w http.ResponseWriter, r *http.Request) {
	g.setIntegrationActive(w, r, false)
}

func (g *Gateway) setIntegrationActive(w http.ResponseWriter, r *http.Request, active bool) {
	in, err := g.loadIntegration(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	updated, err := g.store.SetIntegrationActive(r.Context(), in.ID, active)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	event := eventbus.EventIntegrationRemoved
	if active {
		event = eventbus.EventIntegrationAdded
	}
	g.announceIntegration(r.Context(), event, updated)
	writeJSON(w, http.StatusOK, IntegrationResponse{Integration: contract.NewIntegration(updated)})
}

func (g *Gateway) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	in, err := g.loadIntegration(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if err := g.store.DeleteIntegration(r.Context(), in.ID); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("integration removed", "integration_id", in.ID, "channel", in.Channel)
	g.announceIntegration(r.Context(), eventbus.EventIntegrationRemoved, in)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) announceIntegration(ctx context.Context, t eventbus.EventType, in *store.Integration) {
	err := g.bus.Broadcast(ctx, t, contract.IntegrationEvent{Integration: contract.NewIntegration(in)},
		eventbus.Target{AccountID: in.AccountID, OrganizationID: in.OrganizationID})
	if err != nil {
		g.logger.Warn("broadcast failed", "event_type", t, "error", err)
	}
}

// handleForceLogout tells an account's clients to log out, then drops their
// live sessions. Buffered events, the force-logout included, are still
// flushed to each socket before it closes.
func (g *Gateway) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	var req ForceLogoutRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		g.writeError(w, r, validationError(err))
		return
	}

	if err := g.bus.Broadcast(r.Context(), eventbus.EventForceLogout,
		contract.ForceLogoutEvent{AccountID: req.AccountID, Reason: req.Reason},
		eventbus.Target{AccountID: req.AccountID}); err != nil {
		g.writeError(w, r, err)
		return
	}
	closed := g.bus.Disconnect(req.AccountID)
	g.logger.Info("forced logout", "account_id", req.AccountID, "by", caller(r).AccountID, "sessions", closed)
	writeJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "sessions_closed": closed})
}
