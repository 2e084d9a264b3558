// Package sync drives pending messages through the send lifecycle and ingests
// everything the server reports back into the local history mirror.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marreiros/chatsync/internal/bus"
	"github.com/marreiros/chatsync/internal/conn"
	"github.com/marreiros/chatsync/internal/dedup"
	"github.com/marreiros/chatsync/internal/outbox"
	"github.com/marreiros/chatsync/internal/remote"
	"github.com/marreiros/chatsync/internal/retry"
	"github.com/marreiros/chatsync/internal/rt"
	"github.com/marreiros/chatsync/internal/store"
	"go.uber.org/zap"
)

// Sender is the remote send operation. It must be safely retryable with the
// same idempotency key.
type Sender interface {
	Send(ctx context.Context, chatID, msgType, content, attachmentRef, idempotencyKey string) (*remote.SendResult, error)
}

// HistoryFetcher is the paged history operation used for backfill.
type HistoryFetcher interface {
	GetMessages(ctx context.Context, chatID string, skip, take int) ([]store.Message, error)
}

// Connectivity reports whether the backend is currently reachable. A drain
// pass against an unreachable backend would only burn the retry budget, so
// the engine holds messages in local_only until reachability returns.
type Connectivity interface {
	IsConnected() bool
}

// Options bound a single send attempt and the automatic retry budget.
type Options struct {
	SendTimeout    time.Duration
	MaxAutoRetries int
}

// Engine is the sole driver of sync_state. It drains the outbox when a
// message is enqueued, when connectivity returns, and when a retry timer
// fires. All outcomes surface as state changes, never as returned errors.
type Engine struct {
	repo         *outbox.Repository
	db           *store.DB
	sender       Sender
	history      HistoryFetcher
	resolver     *dedup.Resolver
	scheduler    *retry.Scheduler
	connectivity Connectivity
	bus          *bus.Bus
	logger       *zap.Logger
	opts         Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining map[string]bool
}

// NewEngine creates a sync engine. A nil connectivity means "assume
// reachable", useful for tests.
func NewEngine(repo *outbox.Repository, db *store.DB, sender Sender, history HistoryFetcher, resolver *dedup.Resolver, scheduler *retry.Scheduler, connectivity Connectivity, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.MaxAutoRetries <= 0 {
		opts.MaxAutoRetries = 5
	}
	return &Engine{
		repo:         repo,
		db:           db,
		sender:       sender,
		history:      history,
		resolver:     resolver,
		scheduler:    scheduler,
		connectivity: connectivity,
		bus:          b,
		logger:       logger,
		opts:         opts,
		draining:     make(map[string]bool),
	}
}

// Start subscribes the engine to the bus and begins reacting to enqueues,
// connectivity transitions and real-time events. Before that it recovers
// rows a previous process left mid-flight: syncing rows go back to
// local_only and synced rows finish their merge into confirmed history.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()

	e.recoverOutbox()
	e.DrainAll()
}

// recoverOutbox repairs rows stranded by a crash or shutdown. A synced row
// still present means the history merge never completed; re-running it is
// idempotent. A syncing row's send has no owner anymore; its idempotency key
// makes a fresh attempt safe.
func (e *Engine) recoverOutbox() {
	synced, err := e.repo.ListInState("", store.StateSynced)
	if err != nil {
		e.logger.Error("failed to list synced outbox rows", zap.Error(err))
	}
	for i := range synced {
		p := &synced[i]
		e.resolver.NoteEcho(p.LocalID, p.ServerID)
		e.completeSynced(p, p.ServerID, p.CreatedAt)
	}

	n, err := e.repo.ResetInterrupted()
	if err != nil {
		e.logger.Error("failed to reset interrupted sends", zap.Error(err))
		return
	}
	if n > 0 || len(synced) > 0 {
		e.logger.Info("outbox recovered",
			zap.Int("interrupted", n),
			zap.Int("unmerged", len(synced)))
	}
}

// Stop halts the engine and cancels all pending retry timers. In-flight send
// results are discarded.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.CancelAll()
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindOutboxEnqueued:
		p, ok := evt.Payload.(*store.PendingMessage)
		if !ok {
			return
		}
		// Fresh message: its retry ladder starts over.
		e.scheduler.Reset(retryKey(p.LocalID))
		e.drainChat(p.ChatID)
	case bus.KindConnChanged:
		change, ok := evt.Payload.(conn.Change)
		if !ok {
			return
		}
		if change.Connected {
			e.DrainAll()
		}
	case bus.KindRTMessage:
		msg, ok := evt.Payload.(rt.InboundMessage)
		if !ok {
			return
		}
		e.ingestInbound(msg)
	case bus.KindRTStatus:
		upd, ok := evt.Payload.(rt.StatusUpdate)
		if !ok {
			return
		}
		e.applyStatus(upd)
	}
}

// DrainAll starts a drain pass for every chat holding sendable messages.
// Cross-chat drains run concurrently; within a chat sends stay in creation
// order.
func (e *Engine) DrainAll() {
	pending, err := e.repo.ListInState("", store.StateLocalOnly)
	if err != nil {
		e.logger.Error("failed to list outbox", zap.Error(err))
		return
	}
	seen := make(map[string]bool)
	for _, p := range pending {
		if !seen[p.ChatID] {
			seen[p.ChatID] = true
			e.drainChat(p.ChatID)
		}
	}
}

// drainChat runs one ordered drain pass over a chat in its own goroutine.
// Only one pass per chat runs at a time; messages enqueued mid-pass are
// picked up by the re-check before the pass ends.
func (e *Engine) drainChat(chatID string) {
	if e.connectivity != nil && !e.connectivity.IsConnected() {
		// Held in local_only; the conn.changed subscription drains later.
		return
	}
	e.mu.Lock()
	if e.draining[chatID] {
		e.mu.Unlock()
		return
	}
	e.draining[chatID] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.draining, chatID)
			e.mu.Unlock()
		}()
		for e.ctx.Err() == nil {
			pending, err := e.repo.ListInState(chatID, store.StateLocalOnly)
			if err != nil {
				e.logger.Error("failed to list outbox", zap.Error(err), zap.String("chat_id", chatID))
				return
			}
			if len(pending) == 0 {
				return
			}
			progressed := false
			for i := range pending {
				if e.ctx.Err() != nil {
					return
				}
				if e.sendOne(&pending[i]) {
					progressed = true
				}
			}
			if !progressed {
				return
			}
		}
	}()
}

// sendOne pushes a single message through local_only -> syncing -> terminal.
// Reports whether the row left local_only.
func (e *Engine) sendOne(p *store.PendingMessage) bool {
	if err := e.repo.Transition(p.LocalID, store.StateSyncing, outbox.Fields{}); err != nil {
		// Lost the race with another trigger; the other pass owns the row.
		return false
	}

	// A previous attempt may have reached the server even though we saw a
	// timeout. If its echo arrived meanwhile, confirm without resending.
	if serverID, ok := e.resolver.EchoServerID(p.LocalID); ok {
		e.logger.Info("send confirmed by echo",
			zap.String("local_id", p.LocalID),
			zap.String("server_id", serverID))
		e.finalize(p, serverID, p.CreatedAt)
		return true
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.SendTimeout)
	result, err := e.sender.Send(ctx, p.ChatID, p.MsgType, p.Content, p.AttachmentRef, p.LocalID)
	cancel()

	if e.ctx.Err() != nil {
		// Session ended while the call was in flight; discard the outcome.
		return true
	}
	if err != nil {
		e.handleSendFailure(p, err)
		return true
	}
	e.finalize(p, result.ServerID, result.CreatedAt)
	return true
}

// finalize marks a message synced, mirrors it into confirmed history and
// removes the outbox row. After this exactly one durable representation of
// the message exists.
func (e *Engine) finalize(p *store.PendingMessage, serverID string, createdAt int64) {
	if err := e.repo.Transition(p.LocalID, store.StateSynced, outbox.Fields{ServerID: serverID}); err != nil {
		e.logger.Error("failed to mark synced", zap.Error(err), zap.String("local_id", p.LocalID))
		return
	}
	e.resolver.NoteEcho(p.LocalID, serverID)
	e.completeSynced(p, serverID, createdAt)
}

// completeSynced mirrors a synced message into confirmed history and removes
// the outbox row. Both steps are idempotent, so the startup recovery sweep
// can re-run them for a row whose first pass was cut short.
func (e *Engine) completeSynced(p *store.PendingMessage, serverID string, createdAt int64) {
	if createdAt <= 0 {
		createdAt = p.CreatedAt
	}
	if err := e.db.UpsertMessage(&store.Message{
		ChatID:        p.ChatID,
		ServerID:      serverID,
		LocalID:       p.LocalID,
		SenderID:      p.SenderID,
		MsgType:       p.MsgType,
		Body:          p.Content,
		AttachmentRef: p.AttachmentRef,
		Status:        "sent",
		Timestamp:     createdAt,
	}); err != nil {
		e.logger.Error("failed to store confirmed message", zap.Error(err), zap.String("local_id", p.LocalID))
		return
	}
	if err := e.repo.Remove(p.LocalID); err != nil {
		e.logger.Error("failed to remove synced outbox row", zap.Error(err), zap.String("local_id", p.LocalID))
		return
	}
	e.resolver.Forget(p.LocalID)
	e.scheduler.Reset(retryKey(p.LocalID))

	e.logger.Info("message synced",
		zap.String("local_id", p.LocalID),
		zap.String("server_id", serverID),
		zap.String("chat_id", p.ChatID))
	e.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: p.ChatID})
}

func (e *Engine) handleSendFailure(p *store.PendingMessage, sendErr error) {
	if err := e.repo.Transition(p.LocalID, store.StateFailed, outbox.Fields{ErrorMessage: sendErr.Error()}); err != nil {
		e.logger.Error("failed to mark failed", zap.Error(err), zap.String("local_id", p.LocalID))
		return
	}

	var rejected *remote.RejectedError
	if errors.As(sendErr, &rejected) {
		// Definitive refusal: retrying would repeat the same rejection.
		e.logger.Warn("message rejected by server",
			zap.String("local_id", p.LocalID),
			zap.Int("status", rejected.Status))
		return
	}

	row, err := e.repo.Get(p.LocalID)
	if err != nil {
		e.logger.Error("failed to reload after failure", zap.Error(err), zap.String("local_id", p.LocalID))
		return
	}
	if row.RetryCount > e.opts.MaxAutoRetries {
		e.logger.Warn("retry budget exhausted, awaiting manual retry",
			zap.String("local_id", p.LocalID),
			zap.Int("retry_count", row.RetryCount))
		return
	}

	localID, chatID := p.LocalID, p.ChatID
	delay := e.scheduler.Schedule(retryKey(localID), func() {
		if e.ctx.Err() != nil {
			return
		}
		if err := e.repo.Transition(localID, store.StateLocalOnly, outbox.Fields{}); err != nil {
			return
		}
		e.drainChat(chatID)
	})
	e.logger.Info("send failed, retry scheduled",
		zap.String("local_id", localID),
		zap.Int("retry_count", row.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(sendErr))
}

// RetryFailed is the explicit user retry: the error clears, the attempt
// counter and ladder reset, and a drain pass starts immediately.
func (e *Engine) RetryFailed(localID string) error {
	p, err := e.repo.Get(localID)
	if err != nil {
		return err
	}
	e.scheduler.Reset(retryKey(localID))
	if err := e.repo.Transition(localID, store.StateLocalOnly, outbox.Fields{ManualRetry: true}); err != nil {
		return err
	}
	e.drainChat(p.ChatID)
	return nil
}

// CancelChat stops retry scheduling for a chat's records, used when the chat
// is deleted locally.
func (e *Engine) CancelChat(chatID string) {
	pending, err := e.repo.ListPending(chatID)
	if err != nil {
		e.logger.Error("failed to list outbox for cancel", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for _, p := range pending {
		e.scheduler.Cancel(retryKey(p.LocalID))
	}
}

// Backfill fetches a history page and merges it into the local mirror.
func (e *Engine) Backfill(ctx context.Context, chatID string, skip, take int) error {
	msgs, err := e.history.GetMessages(ctx, chatID, skip, take)
	if err != nil {
		return err
	}
	for i := range msgs {
		e.ingestConfirmed(&msgs[i])
	}
	if len(msgs) > 0 {
		e.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: chatID})
	}
	return nil
}

// ingestInbound processes one real-time message event.
func (e *Engine) ingestInbound(msg rt.InboundMessage) {
	m := store.Message{
		ChatID:        msg.ChatID,
		ServerID:      msg.ServerID,
		LocalID:       msg.LocalID,
		SenderID:      msg.SenderID,
		MsgType:       msg.Type,
		Body:          msg.Content,
		AttachmentRef: msg.AttachmentRef,
		Status:        msg.Status,
		Timestamp:     msg.CreatedAt,
	}
	e.ingestConfirmed(&m)
	e.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: msg.ChatID})
}

// ingestConfirmed stores one server-confirmed message. Echoes that carry the
// idempotency key are registered so an in-doubt send can confirm without
// resending; an echo for a message still failed (send response never arrived)
// is promoted straight through the state machine to synced.
func (e *Engine) ingestConfirmed(m *store.Message) {
	if m.LocalID != "" {
		e.resolver.NoteEcho(m.LocalID, m.ServerID)
		e.promoteEchoed(m.LocalID)
	}
	if err := e.db.UpsertMessage(m); err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("server_id", m.ServerID))
	}
}

// promoteEchoed short-circuits a failed message whose echo proves the server
// stored it: the pending retry would only produce a duplicate-suppressed send.
func (e *Engine) promoteEchoed(localID string) {
	p, err := e.repo.Get(localID)
	if err != nil {
		return
	}
	if p.SyncState != store.StateFailed {
		return
	}
	e.scheduler.Cancel(retryKey(localID))
	if err := e.repo.Transition(localID, store.StateLocalOnly, outbox.Fields{}); err != nil {
		return
	}
	e.drainChat(p.ChatID)
}

// applyStatus applies a delivery/read update to the stored message.
func (e *Engine) applyStatus(upd rt.StatusUpdate) {
	if err := e.db.UpdateMessageStatus(upd.ServerID, upd.Status); err != nil {
		e.logger.Error("failed to apply status update", zap.Error(err), zap.String("server_id", upd.ServerID))
		return
	}
	if m, err := e.db.GetMessageByServerID(upd.ServerID); err == nil && m != nil {
		e.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: m.ChatID})
	}
}

func retryKey(localID string) string {
	return "send:" + localID
}
