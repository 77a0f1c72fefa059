// ABOUTME: Conversation persistence: atomic upsert, tenant listing, read/tag/flag updates
// ABOUTME: Insert-only fields are separated from every-write fields inside one statement

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const conversationColumns = `id, tenant_scope, organization_id, account_id, channel, conversation_key, customer_key,
	customer_name, customer_avatar, bot_name, bot_avatar, last_message_text, last_message_at,
	unread_count, nicknames, bot_reply, tags,
	handler_staff_id, handler_name, handler_started_at, lock_expires_at,
	created_at, updated_at`

// UpsertConversation creates the conversation on first contact or updates it.
// created_at, the initial unread count and bot_reply are only written on insert;
// unread is incremented on update only for inbound messages that request it.
func (s *SQLStore) UpsertConversation(ctx context.Context, key ConversationKey, patch ConversationPatch) (*Conversation, error) {
	if key.TenantScope == "" {
		return nil, fmt.Errorf("upserting conversation: empty tenant scope")
	}

	now := formatTime(s.now())
	delta := patch.unreadDelta()

	var customerName, customerAvatar, botName, botAvatar any
	if patch.CustomerInfo != nil {
		customerName = nullString(patch.CustomerInfo.Name)
		customerAvatar = nullString(patch.CustomerInfo.Avatar)
	}
	if patch.BotInfo != nil {
		botName = nullString(patch.BotInfo.Name)
		botAvatar = nullString(patch.BotInfo.Avatar)
	}
	var lastText, lastAt any
	if patch.LastMessage != nil {
		lastText = patch.LastMessage.Text
		lastAt = formatTime(patch.LastMessage.CreatedAt)
	}

	query := `
		INSERT INTO conversations (
			id, tenant_scope, organization_id, account_id, channel, conversation_key, customer_key,
			customer_name, customer_avatar, bot_name, bot_avatar, last_message_text, last_message_at,
			unread_count, nicknames, bot_reply, tags, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '{}', ?, '[]', ?, ?)
		ON CONFLICT (tenant_scope, channel, conversation_key, customer_key) DO UPDATE SET
			organization_id = CASE WHEN excluded.organization_id <> '' THEN excluded.organization_id ELSE conversations.organization_id END,
			account_id = CASE WHEN excluded.account_id <> '' THEN excluded.account_id ELSE conversations.account_id END,
			customer_name = COALESCE(excluded.customer_name, conversations.customer_name),
			customer_avatar = COALESCE(excluded.customer_avatar, conversations.customer_avatar),
			bot_name = COALESCE(excluded.bot_name, conversations.bot_name),
			bot_avatar = COALESCE(excluded.bot_avatar, conversations.bot_avatar),
			last_message_text = CASE WHEN excluded.last_message_at IS NULL THEN conversations.last_message_text ELSE excluded.last_message_text END,
			last_message_at = COALESCE(excluded.last_message_at, conversations.last_message_at),
			unread_count = conversations.unread_count + ?,
			updated_at = excluded.updated_at
		RETURNING ` + conversationColumns

	row := s.db.QueryRowContext(ctx, s.q(query),
		uuid.NewString(),
		key.TenantScope,
		patch.OrganizationID,
		patch.AccountID,
		key.Channel,
		key.ConversationKey,
		key.CustomerKey,
		customerName,
		customerAvatar,
		botName,
		botAvatar,
		lastText,
		lastAt,
		delta,
		boolInt(patch.BotReplyDefault),
		now,
		now,
		delta,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getConversation(ctx context.Context, db queryRower, id string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// FindConversation retrieves a conversation by its identity tuple.
func (s *SQLStore) FindConversation(ctx context.Context, key ConversationKey) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_scope = ? AND channel = ? AND conversation_key = ? AND customer_key = ?
	`), key.TenantScope, key.Channel, key.ConversationKey, key.CustomerKey)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by key: %w", err)
	}
	return conv, nil
}

// ListConversations returns a tenant's conversations, most recently updated first.
func (s *SQLStore) ListConversations(ctx context.Context, tenantScope string, limit, skip int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_scope = ?
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?
	`), tenantScope, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// MarkRead zeroes the unread counter and marks inbound messages read.
// Lock fields are left untouched.
func (s *SQLStore) MarkRead(ctx context.Context, id string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.q(`
		UPDATE conversations SET unread_count = 0, updated_at = ?
		WHERE id = ?
		RETURNING `+conversationColumns), formatTime(s.now()), id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("marking conversation read: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND direction = 'in' AND is_read = 0
	`), id); err != nil {
		return nil, fmt.Errorf("marking messages read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mark read: %w", err)
	}
	return conv, nil
}

// SetTags replaces the tag set of a conversation.
func (s *SQLStore) SetTags(ctx context.Context, id string, tags []string) (*Conversation, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := marshalJSON(tags, "[]")
	if err != nil {
		return nil, fmt.Errorf("encoding tags: %w", err)
	}
	return s.updateConversation(ctx, "tags = ?", id, data)
}

// SetBotReply toggles auto-reply for a conversation.
func (s *SQLStore) SetBotReply(ctx context.Context, id string, enabled bool) (*Conversation, error) {
	return s.updateConversation(ctx, "bot_reply = ?", id, boolInt(enabled))
}

// SetNickname stores a per-viewer display name override. An empty nickname
// removes the override.
func (s *SQLStore) SetNickname(ctx context.Context, id, viewerID, nickname string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	nicknames := conv.Nicknames
	if nicknames == nil {
		nicknames = map[string]string{}
	}
	if nickname == "" {
		delete(nicknames, viewerID)
	} else {
		nicknames[viewerID] = nickname
	}
	data, err := marshalJSON(nicknames, "{}")
	if err != nil {
		return nil, fmt.Errorf("encoding nicknames: %w", err)
	}

	row := tx.QueryRowContext(ctx, s.q(`
		UPDATE conversations SET nicknames = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?
		RETURNING `+conversationColumns), data, formatTime(s.now()), id, formatTime(conv.UpdatedAt))
	updated, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("updating nickname: conversation changed concurrently")
	}
	if err != nil {
		return nil, fmt.Errorf("updating nickname: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing nickname: %w", err)
	}
	return updated, nil
}

func (s *SQLStore) updateConversation(ctx context.Context, set, id string, value any) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE conversations SET `+set+`, updated_at = ?
		WHERE id = ?
		RETURNING `+conversationColumns), value, formatTime(s.now()), id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	return conv, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                                      Conversation
		customerName, customerAvatar           sql.NullString
		botName, botAvatar                     sql.NullString
		lastText, lastAt                       sql.NullString
		nicknames, tags                        string
		botReply                               int64
		handlerID, handlerName, handlerStarted sql.NullString
		lockExpires                            sql.NullString
		createdAt, updatedAt                   string
	)
	err := row.Scan(
		&c.ID, &c.TenantScope, &c.OrganizationID, &c.AccountID, &c.Channel, &c.ConversationKey, &c.CustomerKey,
		&customerName, &customerAvatar, &botName, &botAvatar, &lastText, &lastAt,
		&c.UnreadCount, &nicknames, &botReply, &tags,
		&handlerID, &handlerName, &handlerStarted, &lockExpires,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.CustomerInfo = Profile{Name: customerName.String, Avatar: customerAvatar.String}
	c.BotInfo = Profile{Name: botName.String, Avatar: botAvatar.String}
	c.BotReply = botReply != 0

	if lastAt.Valid {
		t, err := parseTime(lastAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		c.LastMessage = &MessagePreview{Text: lastText.String, CreatedAt: t}
	}

	if err := json.Unmarshal([]byte(nicknames), &c.Nicknames); err != nil {
		return nil, fmt.Errorf("decoding nicknames: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}

	if handlerID.Valid {
		h := &Handler{StaffID: handlerID.String, Name: handlerName.String}
		if handlerStarted.Valid {
			if h.StartedAt, err = parseTime(handlerStarted.String); err != nil {
				return nil, fmt.Errorf("parsing handler_started_at: %w", err)
			}
		}
		c.Handler = h
	}
	if c.LockExpiresAt, err = parseNullTime(lockExpires); err != nil {
		return nil, fmt.Errorf("parsing lock_expires_at: %w", err)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
