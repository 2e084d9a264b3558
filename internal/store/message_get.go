package store

import "database/sql"

// GetMessageByServerID returns one confirmed message, or nil if absent.
func (db *DB) GetMessageByServerID(serverID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, chat_id, server_id, local_id, sender_id, msg_type, body, attachment_ref, status, timestamp
		FROM messages WHERE server_id = ?`, serverID)
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.ServerID, &m.LocalID, &m.SenderID, &m.MsgType, &m.Body, &m.AttachmentRef, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
