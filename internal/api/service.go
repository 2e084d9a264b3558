// Package api is the surface a UI talks to: composing messages, reading the
// deduplicated timeline and driving manual retries. It owns no sync state of
// its own; every mutation flows through the outbox and the sync engine.
package api

import (
	"context"
	"fmt"

	"github.com/marreiros/chatsync/internal/bus"
	"github.com/marreiros/chatsync/internal/dedup"
	"github.com/marreiros/chatsync/internal/outbox"
	"github.com/marreiros/chatsync/internal/store"
	enginesync "github.com/marreiros/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Service exposes the client-facing operations of a running profile.
type Service struct {
	repo     *outbox.Repository
	db       *store.DB
	engine   *enginesync.Engine
	resolver *dedup.Resolver
	bus      *bus.Bus
	logger   *zap.Logger
}

func NewService(repo *outbox.Repository, db *store.DB, engine *enginesync.Engine, resolver *dedup.Resolver, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		db:       db,
		engine:   engine,
		resolver: resolver,
		bus:      b,
		logger:   logger,
	}
}

// SendText enqueues a text message. It returns as soon as the message is
// durably stored; delivery happens asynchronously and surfaces as timeline
// changes.
func (s *Service) SendText(chatID, senderID, content string) (*store.PendingMessage, error) {
	if content == "" {
		return nil, fmt.Errorf("empty message")
	}
	return s.repo.Enqueue(chatID, senderID, store.TypeText, content, "")
}

// SendAttachment enqueues an audio or image message referencing an already
// uploaded attachment.
func (s *Service) SendAttachment(chatID, senderID, msgType, caption, attachmentRef string) (*store.PendingMessage, error) {
	if msgType != store.TypeAudio && msgType != store.TypeImage {
		return nil, fmt.Errorf("unsupported attachment type %q", msgType)
	}
	if attachmentRef == "" {
		return nil, fmt.Errorf("missing attachment reference")
	}
	return s.repo.Enqueue(chatID, senderID, msgType, caption, attachmentRef)
}

// Timeline returns the canonical view of a chat: confirmed history merged
// with outbox entries, oldest first. A message mid-flight appears exactly
// once, under its local identity until the server one takes over.
func (s *Service) Timeline(chatID string, limit int) ([]dedup.CanonicalMessage, error) {
	stored, err := s.db.ListMessages(chatID, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	pending, err := s.repo.ListPending(chatID)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}

	// ListMessages pages newest-first; the timeline reads oldest-first.
	timeline := make([]dedup.CanonicalMessage, 0, len(stored)+len(pending))
	for i := len(stored) - 1; i >= 0; i-- {
		timeline = append(timeline, dedup.FromStored(stored[i]))
	}
	incoming := make([]dedup.CanonicalMessage, 0, len(pending))
	for _, p := range pending {
		incoming = append(incoming, dedup.FromPending(p))
	}
	return s.resolver.Merge(timeline, incoming...), nil
}

// FailedMessages lists the outbox entries currently awaiting a manual retry.
func (s *Service) FailedMessages(chatID string) ([]store.PendingMessage, error) {
	return s.repo.ListInState(chatID, store.StateFailed)
}

// RetryMessage clears a failed message's error and resends it immediately.
func (s *Service) RetryMessage(localID string) error {
	return s.engine.RetryFailed(localID)
}

// Backfill pulls a page of server history into the local mirror.
func (s *Service) Backfill(ctx context.Context, chatID string, skip, take int) error {
	return s.engine.Backfill(ctx, chatID, skip, take)
}

// DeleteChat removes a chat's history and outbox entries locally and stops
// any retries scheduled for it. The server copy is untouched.
func (s *Service) DeleteChat(chatID string) error {
	s.engine.CancelChat(chatID)
	pending, err := s.repo.ListPending(chatID)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	for _, p := range pending {
		if err := s.repo.Remove(p.LocalID); err != nil {
			return fmt.Errorf("remove pending %s: %w", p.LocalID, err)
		}
	}
	if err := s.db.DeleteChat(chatID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	s.logger.Info("chat deleted locally", zap.String("chat_id", chatID))
	s.bus.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: chatID})
	return nil
}

// OnTimelineChange invokes fn whenever the given chat's canonical timeline
// may have changed. An empty chatID watches all chats. The returned cancel
// stops the watch.
func (s *Service) OnTimelineChange(chatID string, fn func(chatID string)) (cancel func()) {
	ch, unsub := s.bus.Subscribe(bus.KindTimelineChanged, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(bus.TimelineChange)
				if !ok {
					continue
				}
				if chatID == "" || change.ChatID == chatID {
					fn(change.ChatID)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsub()
		close(done)
	}
}
