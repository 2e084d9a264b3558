package store

import "time"

// UpsertMessage inserts or updates a confirmed message (idempotent on
// chat_id + server_id). Repeated deliveries of the same server message
// collapse into one row.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, server_id, local_id, sender_id, msg_type, body, attachment_ref, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, server_id) DO UPDATE SET
			local_id = CASE WHEN excluded.local_id != '' THEN excluded.local_id ELSE messages.local_id END,
			body = excluded.body,
			status = excluded.status`,
		m.ChatID, m.ServerID, m.LocalID, m.SenderID, m.MsgType, m.Body, m.AttachmentRef, m.Status, m.Timestamp, now)
	return err
}

// ListMessages returns confirmed messages for a chat using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, server_id, local_id, sender_id, msg_type, body, attachment_ref, status, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ServerID, &m.LocalID, &m.SenderID, &m.MsgType, &m.Body, &m.AttachmentRef, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateMessageStatus applies a delivery/read status update to a confirmed
// message. Unknown server ids are ignored.
func (db *DB) UpdateMessageStatus(serverID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE server_id = ?`, status, serverID)
	return err
}

// DeleteChat removes all local state for a chat, outbox rows included.
// Used when the user deletes a conversation.
func (db *DB) DeleteChat(chatID string) error {
	if _, err := db.Exec(`DELETE FROM outbox WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}
