package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on conversation_id +
// msg_id). On conflict the stored status moves to MAX(stored, incoming), so a
// replayed or out-of-order write can never regress a delivery status.
// Returns true when the row was newly inserted.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		m.ConversationID, m.MsgID).Scan(&existing); err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, recipient_id, body, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = MAX(messages.status, excluded.status)`,
		m.ConversationID, m.MsgID, m.SenderID, m.RecipientID, m.Body, int(m.Status), m.SentAt, now); err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return existing == 0, nil
}

// ApplyStatus merges a delivery status into a message located by id alone
// (status events carry no conversation key). Lower-ranked statuses are
// discarded by the MAX merge. Returns whether a message with that id exists.
func (db *DB) ApplyStatus(msgID string, st MessageStatus) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = MAX(status, ?) WHERE msg_id = ?`, int(st), msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSendFailed moves a message still in sent state to failed after an
// acknowledgment timeout or rejection. A message the server already advanced
// to delivered or seen is left alone: losing the ack race against the status
// stream is not a send failure.
func (db *DB) MarkSendFailed(msgID string) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ? AND status = ?`,
		int(StatusFailed), msgID, int(StatusSent))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a message by its id, or nil if unknown.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	var st int
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, recipient_id, body, status, sent_at, created_at
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.RecipientID, &m.Body, &st, &m.SentAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = MessageStatus(st)
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination by
// send time, newest first. Ties fall back to insertion order.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, recipient_id, body, status, sent_at, created_at
		FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var st int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.RecipientID, &m.Body, &st, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(st)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
