package dedup

import "github.com/marreiros/chatsync/internal/store"

// CanonicalMessage is one entry of the deduplicated per-chat timeline the UI
// renders. It has no persistence of its own: it is recomputed by merging the
// outbox with confirmed history on every read.
type CanonicalMessage struct {
	ServerID      string
	LocalID       string
	ChatID        string
	SenderID      string
	MsgType       string
	Content       string
	AttachmentRef string
	CreatedAt     int64

	// IsLocalOnly marks entries the server has not confirmed. Delivery/read
	// status and the sync bookkeeping below are mutually exclusive views.
	IsLocalOnly  bool
	SyncState    store.SyncState
	RetryCount   int
	ErrorMessage string
	Status       string
}

// Key identifies a canonical message: the server id once known, the local id
// before that.
func (m CanonicalMessage) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// FromPending converts an outbox row to its canonical form.
func FromPending(p store.PendingMessage) CanonicalMessage {
	return CanonicalMessage{
		ServerID:      p.ServerID,
		LocalID:       p.LocalID,
		ChatID:        p.ChatID,
		SenderID:      p.SenderID,
		MsgType:       p.MsgType,
		Content:       p.Content,
		AttachmentRef: p.AttachmentRef,
		CreatedAt:     p.CreatedAt,
		IsLocalOnly:   p.SyncState != store.StateSynced,
		SyncState:     p.SyncState,
		RetryCount:    p.RetryCount,
		ErrorMessage:  p.ErrorMessage,
	}
}

// FromStored converts a confirmed history row to its canonical form.
func FromStored(m store.Message) CanonicalMessage {
	return CanonicalMessage{
		ServerID:      m.ServerID,
		LocalID:       m.LocalID,
		ChatID:        m.ChatID,
		SenderID:      m.SenderID,
		MsgType:       m.MsgType,
		Content:       m.Body,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.Timestamp,
		Status:        m.Status,
	}
}
