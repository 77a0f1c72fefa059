// ABOUTME: Conversation lock transitions as single-statement compare-and-set updates
// ABOUTME: Covers timed claims, persistent first-responder claims, release and expiry sweep

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// casAttempts bounds the read/compare loop when a lock changes between the
// conditional write and the classification read.
const casAttempts = 3

// ClaimLock acquires the conversation lock for h. The write succeeds when the
// conversation is unlocked, its lock expired at or before now, or h already holds it.
func (s *SQLStore) ClaimLock(ctx context.Context, id string, h Handler, expiresAt *time.Time, now time.Time) (*Conversation, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx, s.q(`
			UPDATE conversations SET
				handler_staff_id = ?,
				handler_name = ?,
				handler_started_at = CASE WHEN handler_staff_id = ? THEN handler_started_at ELSE ? END,
				lock_expires_at = ?,
				updated_at = ?
			WHERE id = ?
				AND (handler_staff_id IS NULL
					OR handler_staff_id = ?
					OR (lock_expires_at IS NOT NULL AND lock_expires_at <= ?))
			RETURNING `+conversationColumns),
			h.StaffID,
			h.Name,
			h.StaffID,
			formatTime(h.StartedAt),
			nullTime(expiresAt),
			formatTime(now),
			id,
			h.StaffID,
			formatTime(now),
		)
		conv, err := scanConversation(row)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claiming lock: %w", err)
		}

		current, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Handler != nil {
			return nil, &ConflictError{Holder: *current.Handler}
		}
		// Released between the write and the read; try again.
	}
	return nil, fmt.Errorf("claiming lock: conversation %s kept changing", id)
}

// ClaimLockIfUnset takes a persistent lock only when no handler is set.
func (s *SQLStore) ClaimLockIfUnset(ctx context.Context, id string, h Handler) (*Conversation, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx, s.q(`
			UPDATE conversations SET
				handler_staff_id = ?,
				handler_name = ?,
				handler_started_at = ?,
				lock_expires_at = NULL,
				updated_at = ?
			WHERE id = ? AND handler_staff_id IS NULL
			RETURNING `+conversationColumns),
			h.StaffID,
			h.Name,
			formatTime(h.StartedAt),
			formatTime(s.now()),
			id,
		)
		conv, err := scanConversation(row)
		if err == nil {
			return conv, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("claiming lock if unset: %w", err)
		}

		current, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if current.Handler == nil {
			continue
		}
		if current.Handler.StaffID == h.StaffID {
			return current, false, nil
		}
		return nil, false, &ConflictError{Holder: *current.Handler}
	}
	return nil, false, fmt.Errorf("claiming lock if unset: conversation %s kept changing", id)
}

// ReleaseLock clears the lock. Without force only the holder may release;
// other requesters get a ConflictError naming the holder.
func (s *SQLStore) ReleaseLock(ctx context.Context, id, requesterID string, force bool) (*Conversation, *Handler, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, nil, false, err
		}
		if current.Handler == nil {
			return current, nil, false, nil
		}
		prev := *current.Handler
		if !force && prev.StaffID != requesterID {
			return nil, nil, false, &ConflictError{Holder: prev}
		}

		// Compare against the observed holder so a concurrent re-claim is never cleared.
		row := s.db.QueryRowContext(ctx, s.q(`
			UPDATE conversations SET
				handler_staff_id = NULL,
				handler_name = NULL,
				handler_started_at = NULL,
				lock_expires_at = NULL,
				updated_at = ?
			WHERE id = ? AND handler_staff_id = ? AND handler_started_at = ?
			RETURNING `+conversationColumns),
			formatTime(s.now()),
			id,
			prev.StaffID,
			formatTime(prev.StartedAt),
		)
		conv, err := scanConversation(row)
		if err == nil {
			return conv, &prev, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, false, fmt.Errorf("releasing lock: %w", err)
		}
	}
	return nil, nil, false, fmt.Errorf("releasing lock: conversation %s kept changing", id)
}

// ExpireLocks clears every lock whose expiry is at or before now. Each row is
// cleared with a compare on its observed expiry so renewed locks survive.
func (s *SQLStore) ExpireLocks(ctx context.Context, now time.Time) ([]ExpiredLock, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_scope, organization_id, account_id,
			handler_staff_id, handler_name, handler_started_at, lock_expires_at
		FROM conversations
		WHERE lock_expires_at IS NOT NULL AND lock_expires_at <= ?
		ORDER BY lock_expires_at
	`), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying expired locks: %w", err)
	}

	type candidate struct {
		lock      ExpiredLock
		expiresAt string
	}
	var candidates []candidate
	for rows.Next() {
		var (
			c                      candidate
			handlerID, handlerName sql.NullString
			handlerStarted         sql.NullString
		)
		if err := rows.Scan(&c.lock.ConversationID, &c.lock.TenantScope, &c.lock.OrganizationID, &c.lock.AccountID,
			&handlerID, &handlerName, &handlerStarted, &c.expiresAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired lock: %w", err)
		}
		c.lock.Previous = Handler{StaffID: handlerID.String, Name: handlerName.String}
		if handlerStarted.Valid {
			if c.lock.Previous.StartedAt, err = parseTime(handlerStarted.String); err != nil {
				rows.Close()
				return nil, fmt.Errorf("parsing handler_started_at: %w", err)
			}
		}
		if c.lock.ExpiredAt, err = parseTime(c.expiresAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing lock_expires_at: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating expired locks: %w", err)
	}
	rows.Close()

	var expired []ExpiredLock
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE conversations SET
				handler_staff_id = NULL,
				handler_name = NULL,
				handler_started_at = NULL,
				lock_expires_at = NULL,
				updated_at = ?
			WHERE id = ? AND lock_expires_at = ?
		`), formatTime(s.now()), c.lock.ConversationID, c.expiresAt)
		if err != nil {
			return expired, fmt.Errorf("clearing expired lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return expired, fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 1 {
			expired = append(expired, c.lock)
		}
	}

	if len(expired) > 0 {
		s.logger.Debug("expired conversation locks", "count", len(expired))
	}
	return expired, nil
}
