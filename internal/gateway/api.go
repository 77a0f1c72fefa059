// ABOUTME: HTTP route table, JSON helpers and error-to-status mapping for the gateway
// ABOUTME: Staff routes need a staff JWT; widget routes a widget token; webhooks are open

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/store"
)

// Request body limits.
const (
	maxJSONBody    = 64 << 10
	maxWebhookBody = 1 << 20
)

// Paging bounds for list endpoints.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// errBadRequest marks malformed request bodies and parameters.
var (
	errBadRequest = errors.New("bad request")
	errEmptyBody  = fmt.Errorf("%w: empty body", errBadRequest)
)

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	staff := auth.HTTPAuthMiddleware(g.verifier, g.logger, false)
	anyone := auth.HTTPAuthMiddleware(g.verifier, g.logger, true)
	admin := auth.RequireAdminHTTP()

	staffRoute := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, staff(h))
	}
	adminRoute := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, staff(admin(h)))
	}
	widgetRoute := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, anyone(requireWidget(h)))
	}

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Platform webhooks authenticate by verify token and signature
	mux.HandleFunc("GET /webhooks/{channel}", g.handleWebhookVerify)
	mux.HandleFunc("POST /webhooks/{channel}", g.handleWebhook)

	mux.HandleFunc("POST /api/widget/lead", g.handleWidgetLead)
	widgetRoute("POST /api/widget/messages", g.handleWidgetSend)
	widgetRoute("GET /api/widget/messages", g.handleWidgetMessages)

	staffRoute("GET /api/conversations", g.handleListConversations)
	staffRoute("GET /api/conversations/{id}", g.handleGetConversation)
	staffRoute("GET /api/conversations/{id}/messages", g.handleListMessages)
	staffRoute("POST /api/conversations/{id}/messages", g.handleStaffSend)
	staffRoute("POST /api/conversations/{id}/mark-read", g.handleMarkRead)
	staffRoute("POST /api/conversations/{id}/tags", g.handleSetTags)
	staffRoute("POST /api/conversations/{id}/bot-reply", g.handleSetBotReply)
	staffRoute("POST /api/conversations/{id}/nickname", g.handleSetNickname)
	staffRoute("POST /api/conversations/{id}/lock", g.handleLock)
	staffRoute("POST /api/conversations/{id}/unlock", g.handleUnlock)
	staffRoute("POST /api/conversations/{id}/request-access", g.handleRequestAccess)
	staffRoute("POST /api/conversations/{id}/request-access-response", g.handleRespondAccess)

	staffRoute("GET /api/customers", g.handleSearchCustomers)

	staffRoute("GET /api/integrations", g.handleListIntegrations)
	adminRoute("POST /api/integrations", g.handleCreateIntegration)
	adminRoute("POST /api/integrations/{id}/activate", g.handleActivateIntegration)
	adminRoute("POST /api/integrations/{id}/deactivate", g.handleDeactivateIntegration)
	adminRoute("DELETE /api/integrations/{id}", g.handleDeleteIntegration)

	adminRoute("POST /api/admin/force-logout", g.handleForceLogout)

	mux.Handle("GET /ws", anyone(http.HandlerFunc(g.handleSocket)))
}

// requireWidget rejects staff tokens on visitor endpoints.
func requireWidget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := auth.FromContext(r.Context()); id == nil || !id.IsWidget() {
			sendJSONError(w, http.StatusForbidden, "widget token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes the {"error": message} body.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors onto HTTP statuses. Unclassified errors are
// logged and reported as 500 without detail.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":           err.Error(),
			"current_handler": conflict.Holder,
		})
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateIntegration):
		sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, handoff.ErrNotHolder), errors.Is(err, handoff.ErrForbidden):
		sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errBadRequest),
		errors.Is(err, handoff.ErrInvalidInput),
		errors.Is(err, handoff.ErrNotLocked),
		errors.Is(err, handoff.ErrAlreadyHolder),
		errors.Is(err, identity.ErrMissingIdentity),
		errors.Is(err, ingest.ErrMissingIdentity),
		errors.Is(err, ingest.ErrInvalidEvent),
		errors.Is(err, ingest.ErrEmptyText):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrIntegrationInactive):
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ingest.ErrSendFailed):
		g.logger.Warn("channel send failed", "path", r.URL.Path, "error", err)
		sendJSONError(w, http.StatusBadGateway, err.Error())
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := decodeJSON(r, v)
	if errors.Is(err, errEmptyBody) {
		return nil
	}
	return err
}

// pageParams reads limit and skip, clamping limit to maxPageSize.
func pageParams(q url.Values) (limit, skip int) {
	limit = queryInt(q, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	skip = max(queryInt(q, "skip", 0), 0)
	return limit, skip
}

func queryInt(q url.Values, key string, fallback int) int {
	v, err := strconv.Atoi(q.Get(key))
	if err != nil {
		return fallback
	}
	return v
}

// originChecker builds the WebSocket CheckOrigin from the allow-list. An
// empty list allows same-origin requests and clients that send no Origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
