package api

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marreiros/chatsync/internal/bus"
	"github.com/marreiros/chatsync/internal/dedup"
	"github.com/marreiros/chatsync/internal/outbox"
	"github.com/marreiros/chatsync/internal/retry"
	"github.com/marreiros/chatsync/internal/store"
	enginesync "github.com/marreiros/chatsync/internal/sync"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zap.NewNop()
	b := bus.New()
	repo := outbox.NewRepository(db, b)
	resolver := dedup.NewResolver(time.Second, logger)
	scheduler := retry.NewScheduler(nil, logger)
	engine := enginesync.NewEngine(repo, db, nil, nil, resolver, scheduler, nil, b, logger, enginesync.Options{})

	return NewService(repo, db, engine, resolver, b, logger), db, b
}

func TestTimelineMergesOutboxAndHistory(t *testing.T) {
	svc, db, _ := newTestService(t)

	if err := db.UpsertMessage(&store.Message{
		ChatID: "chat-1", ServerID: "srv-1", SenderID: "them",
		MsgType: store.TypeText, Body: "earlier", Status: "read", Timestamp: 1000,
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	p, err := svc.SendText("chat-1", "me", "on its way")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	timeline, err := svc.Timeline("chat-1", 50)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("timeline entries = %d, want 2", len(timeline))
	}
	if timeline[0].ServerID != "srv-1" {
		t.Fatalf("first entry = %+v, want confirmed history first", timeline[0])
	}
	if timeline[1].LocalID != p.LocalID || !timeline[1].IsLocalOnly {
		t.Fatalf("second entry = %+v, want the pending message", timeline[1])
	}
}

func TestTimelineCollapsesMidFlightMessage(t *testing.T) {
	svc, db, _ := newTestService(t)

	// The window between history upsert and outbox removal: both rows exist.
	p, err := svc.SendText("chat-1", "me", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := db.UpsertMessage(&store.Message{
		ChatID: "chat-1", ServerID: "srv-1", LocalID: p.LocalID, SenderID: "me",
		MsgType: store.TypeText, Body: "hello", Status: "sent", Timestamp: p.CreatedAt,
	}); err != nil {
		t.Fatalf("seed echo: %v", err)
	}

	timeline, err := svc.Timeline("chat-1", 50)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatalf("timeline entries = %d, want 1", len(timeline))
	}
	if timeline[0].ServerID != "srv-1" || timeline[0].LocalID != p.LocalID {
		t.Fatalf("collapsed entry = %+v", timeline[0])
	}
}

func TestTimelineCollapsesKeylessEcho(t *testing.T) {
	svc, db, _ := newTestService(t)

	// Server echo that stripped the idempotency key: only content and
	// timestamp proximity tie it to the pending record.
	p, err := svc.SendText("chat-1", "me", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := db.UpsertMessage(&store.Message{
		ChatID: "chat-1", ServerID: "srv-1", SenderID: "me",
		MsgType: store.TypeText, Body: "hello", Status: "sent", Timestamp: p.CreatedAt + 200,
	}); err != nil {
		t.Fatalf("seed echo: %v", err)
	}

	timeline, err := svc.Timeline("chat-1", 50)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatalf("timeline entries = %d, want 1", len(timeline))
	}
	if timeline[0].ServerID != "srv-1" || timeline[0].LocalID != p.LocalID {
		t.Fatalf("collapsed entry = %+v", timeline[0])
	}
}

func TestSendValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.SendText("chat-1", "me", ""); err == nil {
		t.Fatal("expected error for empty text")
	}
	if _, err := svc.SendAttachment("chat-1", "me", store.TypeText, "", "blob-1"); err == nil {
		t.Fatal("expected error for non-attachment type")
	}
	if _, err := svc.SendAttachment("chat-1", "me", store.TypeImage, "", ""); err == nil {
		t.Fatal("expected error for missing attachment ref")
	}
	if _, err := svc.SendAttachment("chat-1", "me", store.TypeImage, "look", "blob-1"); err != nil {
		t.Fatalf("attachment send: %v", err)
	}
}

func TestDeleteChatClearsLocalState(t *testing.T) {
	svc, db, _ := newTestService(t)

	if _, err := svc.SendText("chat-1", "me", "pending one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := db.UpsertMessage(&store.Message{
		ChatID: "chat-1", ServerID: "srv-1", SenderID: "them",
		MsgType: store.TypeText, Body: "kept on server", Status: "read", Timestamp: 1000,
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := svc.DeleteChat("chat-1"); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	timeline, err := svc.Timeline("chat-1", 50)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 0 {
		t.Fatalf("timeline after delete = %+v, want empty", timeline)
	}
}

func TestOnTimelineChangeFiltersByChat(t *testing.T) {
	svc, _, b := newTestService(t)

	got := make(chan string, 4)
	cancel := svc.OnTimelineChange("chat-1", func(chatID string) {
		got <- chatID
	})
	defer cancel()

	b.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: "chat-2"})
	b.Emit(bus.KindTimelineChanged, bus.TimelineChange{ChatID: "chat-1"})

	select {
	case chatID := <-got:
		if chatID != "chat-1" {
			t.Fatalf("callback for chat %q, want chat-1", chatID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeline callback")
	}
	select {
	case chatID := <-got:
		t.Fatalf("unexpected extra callback for chat %q", chatID)
	case <-time.After(50 * time.Millisecond):
	}
}
