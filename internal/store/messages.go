// ABOUTME: Message persistence and the outbound echo guard
// ABOUTME: The echo guard inserts only when no equal outbound text exists in the trailing window

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, channel, sender_key, direction, text, metadata, sender_name, sender_avatar, is_read, created_at`

// InsertMessage persists a message. ID and CreatedAt are assigned when empty.
func (s *SQLStore) InsertMessage(ctx context.Context, msg *Message) error {
	s.prepareMessage(msg)
	metadata, err := marshalJSON(msg.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		msg.ID,
		msg.ConversationID,
		msg.Channel,
		msg.SenderKey,
		string(msg.Direction),
		nullString(msg.Text),
		metadata,
		msg.SenderProfile.Name,
		msg.SenderProfile.Avatar,
		boolInt(msg.IsRead),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// InsertOutboundUnlessEcho stores an outbound message unless one with the same
// text already exists on the conversation at or after since.
func (s *SQLStore) InsertOutboundUnlessEcho(ctx context.Context, msg *Message, since time.Time) (*Message, bool, error) {
	msg.Direction = DirectionOut
	msg.IsRead = true
	s.prepareMessage(msg)
	metadata, err := marshalJSON(msg.Metadata, "{}")
	if err != nil {
		return nil, false, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockConversationTx(ctx, tx, msg.ConversationID); err != nil {
		return nil, false, fmt.Errorf("locking conversation: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (`+messageColumns+`)
		SELECT ?, ?, ?, ?, 'out', ?, ?, ?, ?, 1, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM messages
			WHERE conversation_id = ? AND direction = 'out' AND text = ? AND created_at >= ?
		)
	`),
		msg.ID,
		msg.ConversationID,
		msg.Channel,
		msg.SenderKey,
		nullString(msg.Text),
		metadata,
		msg.SenderProfile.Name,
		msg.SenderProfile.Avatar,
		formatTime(msg.CreatedAt),
		msg.ConversationID,
		msg.Text,
		formatTime(since),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting outbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("checking rows affected: %w", err)
	}

	if n == 1 {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing outbound message: %w", err)
		}
		return msg, true, nil
	}

	row := tx.QueryRowContext(ctx, s.q(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND direction = 'out' AND text = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`), msg.ConversationID, msg.Text, formatTime(since))
	existing, err := scanMessage(row)
	if err != nil {
		return nil, false, fmt.Errorf("loading echoed message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing echo lookup: %w", err)
	}
	return existing, false, nil
}

// ListMessages returns up to limit of the newest messages in display order
// (oldest first).
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	recent, err := s.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// RecentMessages returns up to limit messages, newest first.
func (s *SQLStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) prepareMessage(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		direction string
		text      sql.NullString
		metadata  string
		isRead    int64
		createdAt string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Channel, &m.SenderKey, &direction, &text, &metadata,
		&m.SenderProfile.Name, &m.SenderProfile.Avatar, &isRead, &createdAt); err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.Text = text.String
	m.IsRead = isRead != 0
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}
