package store

// SyncState is the durable lifecycle state of a pending outgoing message.
type SyncState string

const (
	StateLocalOnly SyncState = "local_only"
	StateSyncing   SyncState = "syncing"
	StateSynced    SyncState = "synced"
	StateFailed    SyncState = "failed"
)

// Message type discriminators shared by pending and confirmed messages.
const (
	TypeText  = "text"
	TypeAudio = "audio"
	TypeImage = "image"
)

// PendingMessage is an outbox row: a locally created message the server has
// not confirmed yet. One row per LocalID for the message's whole local life.
type PendingMessage struct {
	LocalID       string
	ChatID        string
	SenderID      string
	MsgType       string
	Content       string
	AttachmentRef string
	SyncState     SyncState
	ServerID      string
	RetryCount    int
	ErrorMessage  string
	CreatedAt     int64
	UpdatedAt     int64
}

// Message is a server-confirmed message in the local history mirror.
type Message struct {
	ID            int64
	ChatID        string
	ServerID      string
	LocalID       string
	SenderID      string
	MsgType       string
	Body          string
	AttachmentRef string
	Status        string
	Timestamp     int64
}
