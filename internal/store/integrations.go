// ABOUTME: Integration persistence mapping channel endpoints (OA, page, widget) to tenants
// ABOUTME: Also lists integrations whose access tokens need a refresh

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const integrationColumns = `id, channel, external_id, account_id, organization_id, name, avatar_url,
	access_token, refresh_token, expires_at, is_active, bot_reply_default, created_at, updated_at`

// UpsertIntegration registers a channel endpoint or refreshes its details.
// Returns ErrDuplicateIntegration when the endpoint belongs to another account.
func (s *SQLStore) UpsertIntegration(ctx context.Context, in *Integration) (*Integration, error) {
	now := formatTime(s.now())
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, external_id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			is_active = excluded.is_active,
			bot_reply_default = excluded.bot_reply_default,
			updated_at = excluded.updated_at
		WHERE integrations.account_id = excluded.account_id
		RETURNING `+integrationColumns),
		id,
		in.Channel,
		in.ExternalID,
		in.AccountID,
		in.OrganizationID,
		in.Name,
		in.AvatarURL,
		in.AccessToken,
		in.RefreshToken,
		nullTime(in.ExpiresAt),
		boolInt(in.IsActive),
		boolInt(in.BotReplyDefault),
		now,
		now,
	)
	out, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicateIntegration
	}
	if err != nil {
		return nil, fmt.Errorf("upserting integration: %w", err)
	}
	return out, nil
}

// GetIntegration retrieves an integration by ID.
func (s *SQLStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`), id)
	out, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration: %w", err)
	}
	return out, nil
}

// FindIntegration looks up the integration registered for a channel endpoint.
func (s *SQLStore) FindIntegration(ctx context.Context, channel, externalID string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE channel = ? AND external_id = ?
	`), channel, externalID)
	out, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration by endpoint: %w", err)
	}
	return out, nil
}

// ListIntegrations returns the integrations visible to a tenant scope, which
// matches either the organization or, for account-only tenants, the account.
func (s *SQLStore) ListIntegrations(ctx context.Context, tenantScope string) ([]*Integration, error) {
	return s.queryIntegrations(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE organization_id = ? OR (organization_id = '' AND account_id = ?)
		ORDER BY created_at
	`, tenantScope, tenantScope)
}

// SetIntegrationActive toggles whether webhooks for the integration are processed.
func (s *SQLStore) SetIntegrationActive(ctx context.Context, id string, active bool) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE integrations SET is_active = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+integrationColumns), boolInt(active), formatTime(s.now()), id)
	out, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating integration: %w", err)
	}
	return out, nil
}

// DeleteIntegration removes an integration. Conversations are kept for history.
func (s *SQLStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM integrations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting integration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IntegrationsNeedingRefresh returns active integrations whose token expires
// before the given instant.
func (s *SQLStore) IntegrationsNeedingRefresh(ctx context.Context, before time.Time) ([]*Integration, error) {
	return s.queryIntegrations(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at < ? AND refresh_token <> ''
		ORDER BY expires_at
	`, formatTime(before))
}

func (s *SQLStore) queryIntegrations(ctx context.Context, query string, args ...any) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating integrations: %w", err)
	}
	return out, nil
}

func scanIntegration(row rowScanner) (*Integration, error) {
	var (
		in                   Integration
		expiresAt            sql.NullString
		isActive, botReply   int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&in.ID, &in.Channel, &in.ExternalID, &in.AccountID, &in.OrganizationID, &in.Name, &in.AvatarURL,
		&in.AccessToken, &in.RefreshToken, &expiresAt, &isActive, &botReply, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	in.IsActive = isActive != 0
	in.BotReplyDefault = botReply != 0

	var err error
	if in.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if in.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &in, nil
}
