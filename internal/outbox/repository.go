package outbox

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/marreiros/chatsync/internal/bus"
	"github.com/marreiros/chatsync/internal/store"
)

// validTransitions defines the allowed sync_state moves. local_only is the
// only initial state; synced is terminal; no state may skip syncing.
var validTransitions = map[store.SyncState][]store.SyncState{
	store.StateLocalOnly: {store.StateSyncing},
	store.StateSyncing:   {store.StateSynced, store.StateFailed},
	store.StateFailed:    {store.StateLocalOnly},
	store.StateSynced:    {},
}

// ErrInvalidTransition is wrapped by Transition when the requested move is not
// in the state machine.
var ErrInvalidTransition = fmt.Errorf("invalid sync state transition")

// ErrNotFound is returned when no outbox row exists for the local id.
var ErrNotFound = fmt.Errorf("pending message not found")

// ErrStateConflict is returned when the row moved out of the expected state
// between read and update.
var ErrStateConflict = fmt.Errorf("pending message changed state concurrently")

// Fields carries the side data applied together with a transition: the server
// id on synced, the error message on failed, ManualRetry on failed -> local_only
// when the user (not the scheduler) asked for the retry.
type Fields struct {
	ServerID     string
	ErrorMessage string
	ManualRetry  bool
}

// Repository owns the outbox table: it is the only component that writes
// sync_state. Every mutation is durable before the call returns.
type Repository struct {
	db  *store.DB
	bus *bus.Bus
}

// NewRepository creates an outbox repository over the profile store.
func NewRepository(db *store.DB, b *bus.Bus) *Repository {
	return &Repository{db: db, bus: b}
}

// Enqueue persists a new pending message in local_only state with a fresh
// local id and returns the stored record.
func (r *Repository) Enqueue(chatID, senderID, msgType, content, attachmentRef string) (*store.PendingMessage, error) {
	p := &store.PendingMessage{
		LocalID:       uuid.New().String(),
		ChatID:        chatID,
		SenderID:      senderID,
		MsgType:       msgType,
		Content:       content,
		AttachmentRef: attachmentRef,
	}
	if err := r.db.InsertPending(p); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	r.bus.Emit(bus.KindOutboxEnqueued, p)
	r.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: chatID})
	return p, nil
}

// Get returns one pending message, or ErrNotFound.
func (r *Repository) Get(localID string) (*store.PendingMessage, error) {
	p, err := r.db.GetPending(localID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return p, nil
}

// ListPending returns outbox rows ordered by created_at ascending, optionally
// scoped to one chat (empty chatID = all chats).
func (r *Repository) ListPending(chatID string) ([]store.PendingMessage, error) {
	return r.db.ListPending(chatID, "")
}

// ListInState returns outbox rows in one state, created_at ascending.
func (r *Repository) ListInState(chatID string, state store.SyncState) ([]store.PendingMessage, error) {
	return r.db.ListPending(chatID, state)
}

// Transition atomically moves a pending message to newState, applying the
// associated fields. A move outside the state machine returns
// ErrInvalidTransition; a row that concurrently left the expected source
// state returns ErrStateConflict.
func (r *Repository) Transition(localID string, newState store.SyncState, fields Fields) error {
	p, err := r.Get(localID)
	if err != nil {
		return err
	}
	if !slices.Contains(validTransitions[p.SyncState], newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.SyncState, newState)
	}

	upd := store.StateUpdate{}
	switch newState {
	case store.StateSynced:
		if fields.ServerID == "" {
			return fmt.Errorf("transition to synced requires a server id")
		}
		upd.ServerID = fields.ServerID
	case store.StateFailed:
		upd.ErrorMsg = fields.ErrorMessage
		upd.BumpRetry = true
	case store.StateLocalOnly:
		// Retry: the error is cleared either way; the attempt counter keeps
		// growing across scheduled retries and resets only on a user retry.
		upd.ResetRetry = fields.ManualRetry
	}

	ok, err := r.db.CompareAndSetState(localID, p.SyncState, newState, upd)
	if err != nil {
		return fmt.Errorf("transition %s: %w", localID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrStateConflict, localID)
	}

	r.bus.Emit(bus.KindOutboxStateChanged, StateChange{
		LocalID:  localID,
		ChatID:   p.ChatID,
		From:     p.SyncState,
		To:       newState,
		ServerID: fields.ServerID,
	})
	r.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: p.ChatID})
	return nil
}

// Remove permanently deletes an outbox row. Used only after the synced
// message has been merged into confirmed history.
func (r *Repository) Remove(localID string) error {
	return r.db.DeletePending(localID)
}

// ResetInterrupted returns every syncing row to local_only and reports how
// many were moved. A send interrupted by a crash or shutdown has no owner
// after restart, and the idempotency key makes re-sending safe. Run at
// startup only; this is the one move the live transition table does not
// allow.
func (r *Repository) ResetInterrupted() (int, error) {
	rows, err := r.db.ListPending("", store.StateSyncing)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range rows {
		ok, err := r.db.CompareAndSetState(p.LocalID, store.StateSyncing, store.StateLocalOnly, store.StateUpdate{})
		if err != nil {
			return n, fmt.Errorf("reset %s: %w", p.LocalID, err)
		}
		if !ok {
			continue
		}
		n++
		r.bus.Emit(bus.KindOutboxStateChanged, StateChange{
			LocalID: p.LocalID,
			ChatID:  p.ChatID,
			From:    store.StateSyncing,
			To:      store.StateLocalOnly,
		})
		r.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: p.ChatID})
	}
	return n, nil
}

// StateChange is the payload for outbox.state_changed events.
type StateChange struct {
	LocalID  string
	ChatID   string
	From     store.SyncState
	To       store.SyncState
	ServerID string
}
