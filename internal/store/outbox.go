package store

import (
	"database/sql"
	"time"
)

// InsertPending adds a new outbox row in local_only state.
func (db *DB) InsertPending(p *PendingMessage) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.SyncState = StateLocalOnly
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, chat_id, sender_id, msg_type, content, attachment_ref, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.LocalID, p.ChatID, p.SenderID, p.MsgType, p.Content, p.AttachmentRef, p.SyncState, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetPending returns one outbox row by local id, or nil if absent.
func (db *DB) GetPending(localID string) (*PendingMessage, error) {
	row := db.QueryRow(`
		SELECT local_id, chat_id, sender_id, msg_type, content, attachment_ref, sync_state, server_id, retry_count, error_message, created_at, updated_at
		FROM outbox WHERE local_id = ?`, localID)
	var p PendingMessage
	err := row.Scan(&p.LocalID, &p.ChatID, &p.SenderID, &p.MsgType, &p.Content, &p.AttachmentRef, &p.SyncState, &p.ServerID, &p.RetryCount, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPending returns outbox rows ordered by created_at ascending. An empty
// chatID returns all chats; an empty state returns all states.
func (db *DB) ListPending(chatID string, state SyncState) ([]PendingMessage, error) {
	query := `
		SELECT local_id, chat_id, sender_id, msg_type, content, attachment_ref, sync_state, server_id, retry_count, error_message, created_at, updated_at
		FROM outbox WHERE 1=1`
	var args []any
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	if state != "" {
		query += ` AND sync_state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at ASC, local_id ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []PendingMessage
	for rows.Next() {
		var p PendingMessage
		if err := rows.Scan(&p.LocalID, &p.ChatID, &p.SenderID, &p.MsgType, &p.Content, &p.AttachmentRef, &p.SyncState, &p.ServerID, &p.RetryCount, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// StateUpdate carries the field changes applied together with a sync_state
// transition.
type StateUpdate struct {
	ServerID   string
	ErrorMsg   string
	BumpRetry  bool
	ResetRetry bool
}

// CompareAndSetState atomically moves an outbox row from one sync_state to
// another, applying the associated field updates in the same statement.
// Returns false if the row was not in the expected state (or does not exist).
func (db *DB) CompareAndSetState(localID string, from, to SyncState, upd StateUpdate) (bool, error) {
	now := time.Now().UnixMilli()
	retryExpr := "retry_count"
	if upd.BumpRetry {
		retryExpr = "retry_count + 1"
	} else if upd.ResetRetry {
		retryExpr = "0"
	}
	res, err := db.Exec(`
		UPDATE outbox
		SET sync_state = ?, server_id = ?, error_message = ?, retry_count = `+retryExpr+`, updated_at = ?
		WHERE local_id = ? AND sync_state = ?`,
		to, upd.ServerID, upd.ErrorMsg, now, localID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeletePending permanently removes an outbox row.
func (db *DB) DeletePending(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}
