package store

import (
	"database/sql"
	"time"
)

// TouchConversation folds a stored message into the per-peer summary. The
// newest message wins the preview via the MAX merge on last_message_at;
// unreadDelta is 1 for a newly stored inbound message, 0 otherwise
// (duplicates must not double-count).
func (db *DB) TouchConversation(peerID, lastBody string, at int64, unreadDelta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, last_message_body, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_message_body = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_body ELSE conversations.last_message_body END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = conversations.unread_count + excluded.unread_count,
			updated_at = excluded.updated_at`,
		peerID, lastBody, at, unreadDelta, now)
	return err
}

// SetDisplayName records a peer's username on an existing conversation.
// Unknown peers are ignored: a roster sighting alone does not create a
// conversation entry.
func (db *DB) SetDisplayName(peerID, name string) error {
	if name == "" {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET display_name = ?, updated_at = ?
		WHERE peer_id = ? AND display_name != ?`,
		name, now, peerID, name)
	return err
}

// ListConversations returns summaries sorted by last message time descending,
// ties broken by insertion order. Peers with no recorded username fall back
// to their id as display name.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT peer_id,
			COALESCE(NULLIF(display_name, ''), peer_id) AS display_name,
			last_message_body, last_message_at, unread_count, updated_at
		FROM conversations
		ORDER BY last_message_at DESC, rowid ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerID, &c.DisplayName, &c.LastMessageBody, &c.LastMessageAt, &c.UnreadCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by peer id, or nil if absent.
func (db *DB) GetConversation(peerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT peer_id,
			COALESCE(NULLIF(display_name, ''), peer_id) AS display_name,
			last_message_body, last_message_at, unread_count, updated_at
		FROM conversations
		WHERE peer_id = ?`, peerID).
		Scan(&c.PeerID, &c.DisplayName, &c.LastMessageBody, &c.LastMessageAt, &c.UnreadCount, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkConversationRead resets the unread counter for a peer.
func (db *DB) MarkConversationRead(peerID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE peer_id = ?`, now, peerID)
	return err
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
