// ABOUTME: Message and message-content queries for the conversational trace
// ABOUTME: Contents are ordered by sequence_order within a message

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMessage inserts a message and any contents it already carries.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, m.Role, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	for i := range m.Contents {
		c := &m.Contents[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.MessageID = m.ID
		c.SequenceOrder = i
		if c.CreatedAt.IsZero() {
			c.CreatedAt = m.CreatedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_contents (id, message_id, kind, content, sequence_order, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.MessageID, c.Kind, string(c.Content), c.SequenceOrder, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting message content: %w", err)
		}
	}

	return tx.Commit()
}

// AppendMessageContent adds one content item at the end of a message and
// returns the new content id. The content value is JSON-encoded unless it
// is already raw JSON.
func (s *SQLiteStore) AppendMessageContent(ctx context.Context, messageID, kind string, content any) (string, error) {
	var payload []byte
	switch v := content.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding content: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_order) + 1, 0)
		FROM message_contents WHERE message_id = ?`, messageID).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("computing sequence order: %w", err)
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_contents (id, message_id, kind, content, sequence_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, messageID, kind, string(payload), next, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("inserting message content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// LatestAssistantMessage returns the most recent assistant message in a
// conversation with its contents loaded in order, or ErrNotFound.
func (s *SQLiteStore) LatestAssistantMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, role, created_at
		FROM messages
		WHERE conversation_id = ? AND role = 'assistant'
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, conversationID)

	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest assistant message: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, kind, content, sequence_order, created_at
		FROM message_contents
		WHERE message_id = ?
		ORDER BY sequence_order ASC`, m.ID)
	if err != nil {
		return nil, fmt.Errorf("loading message contents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c MessageContent
		var content string
		if err := rows.Scan(&c.ID, &c.MessageID, &c.Kind, &content, &c.SequenceOrder, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message content: %w", err)
		}
		c.Content = []byte(content)
		m.Contents = append(m.Contents, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetPendingApprovalDecision patches the is_approved field of a pending
// tool-call content row in place.
func (s *SQLiteStore) SetPendingApprovalDecision(ctx context.Context, contentID string, approved bool) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT content FROM message_contents
		WHERE id = ? AND kind = ?`, contentID, ContentPendingApproval)

	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading pending content: %w", err)
	}

	var data PendingCallData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return fmt.Errorf("decoding pending content: %w", err)
	}
	data.IsApproved = &approved

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding pending content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE message_contents SET content = ? WHERE id = ?`,
		string(payload), contentID)
	if err != nil {
		return fmt.Errorf("updating pending content: %w", err)
	}
	return nil
}
