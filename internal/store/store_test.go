package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInsertAndListPending(t *testing.T) {
	db := testDB(t)

	p := &PendingMessage{LocalID: "l1", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "hello"}
	if err := db.InsertPending(p); err != nil {
		t.Fatal(err)
	}

	pending, err := db.ListPending("c1", StateLocalOnly)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].LocalID != "l1" || pending[0].SyncState != StateLocalOnly {
		t.Errorf("pending[0] = %+v, want l1 in local_only", pending[0])
	}
	if pending[0].CreatedAt == 0 {
		t.Error("CreatedAt not set on insert")
	}
}

func TestListPendingOrderedByCreatedAt(t *testing.T) {
	db := testDB(t)

	for i, p := range []*PendingMessage{
		{LocalID: "l2", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "B", CreatedAt: 2000},
		{LocalID: "l1", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "A", CreatedAt: 1000},
		{LocalID: "l3", ChatID: "c2", SenderID: "u1", MsgType: TypeText, Content: "C", CreatedAt: 1500},
	} {
		if err := db.InsertPending(p); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	pending, err := db.ListPending("c1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending for c1, want 2", len(pending))
	}
	if pending[0].LocalID != "l1" || pending[1].LocalID != "l2" {
		t.Errorf("order = %s, %s; want l1, l2", pending[0].LocalID, pending[1].LocalID)
	}

	all, err := db.ListPending("", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d pending across chats, want 3", len(all))
	}
}

func TestCompareAndSetState(t *testing.T) {
	db := testDB(t)

	if err := db.InsertPending(&PendingMessage{LocalID: "l1", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	ok, err := db.CompareAndSetState("l1", StateLocalOnly, StateSyncing, StateUpdate{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("CAS local_only -> syncing should succeed")
	}

	// Wrong expected state: no-op.
	ok, err = db.CompareAndSetState("l1", StateLocalOnly, StateSyncing, StateUpdate{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("CAS with stale expected state should report false")
	}

	// Fail with retry bump.
	ok, err = db.CompareAndSetState("l1", StateSyncing, StateFailed, StateUpdate{ErrorMsg: "network down", BumpRetry: true})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("CAS syncing -> failed should succeed")
	}

	p, err := db.GetPending("l1")
	if err != nil {
		t.Fatal(err)
	}
	if p.SyncState != StateFailed || p.RetryCount != 1 || p.ErrorMessage != "network down" {
		t.Errorf("row = %+v, want failed with retry_count=1", p)
	}

	// Manual retry resets the counter and clears the error.
	ok, err = db.CompareAndSetState("l1", StateFailed, StateLocalOnly, StateUpdate{ResetRetry: true})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("CAS failed -> local_only should succeed")
	}
	p, _ = db.GetPending("l1")
	if p.RetryCount != 0 || p.ErrorMessage != "" {
		t.Errorf("after reset: retry_count=%d error=%q, want 0 and empty", p.RetryCount, p.ErrorMessage)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*PendingMessage{
		{LocalID: "l1", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "A"},
		{LocalID: "l2", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "B"},
	} {
		if err := db.InsertPending(p); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.CompareAndSetState("l2", StateLocalOnly, StateSyncing, StateUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CompareAndSetState("l2", StateSyncing, StateFailed, StateUpdate{ErrorMsg: "boom", BumpRetry: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulated restart: reopen the same file.
	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db2.Close() }()
	if _, err := db2.Migrate(); err != nil {
		t.Fatal(err)
	}

	all, err := db2.ListPending("", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d rows after reopen, want 2", len(all))
	}
	if all[0].Content != "A" || all[1].SyncState != StateFailed || all[1].RetryCount != 1 {
		t.Errorf("rows after reopen = %+v", all)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ChatID: "c1", ServerID: "s1", SenderID: "u2", MsgType: TypeText, Body: "hello", Status: "sent", Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	// Upsert again should not create a duplicate.
	m.Status = "read"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Status != "read" {
		t.Errorf("status = %q, want read", msgs[0].Status)
	}
}

func TestUpsertMessageKeepsLocalID(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ChatID: "c1", ServerID: "s1", LocalID: "l1", SenderID: "u1", MsgType: TypeText, Body: "hi", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	// Echo without the local marker must not erase the stored one.
	if err := db.UpsertMessage(&Message{ChatID: "c1", ServerID: "s1", SenderID: "u1", MsgType: TypeText, Body: "hi", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].LocalID != "l1" {
		t.Errorf("messages = %+v, want one row with local_id l1", msgs)
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ChatID: "c1", ServerID: "s1", SenderID: "u2", MsgType: TypeText, Body: "hi", Status: "sent", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("s1", "delivered"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != "delivered" {
		t.Errorf("status = %q, want delivered", msgs[0].Status)
	}
}

func TestDeleteChat(t *testing.T) {
	db := testDB(t)

	if err := db.InsertPending(&PendingMessage{LocalID: "l1", ChatID: "c1", SenderID: "u1", MsgType: TypeText, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: "c1", ServerID: "s1", SenderID: "u2", MsgType: TypeText, Body: "yo", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChat("c1"); err != nil {
		t.Fatal(err)
	}

	pending, _ := db.ListPending("c1", "")
	if len(pending) != 0 {
		t.Errorf("got %d pending after DeleteChat, want 0", len(pending))
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 0 {
		t.Errorf("got %d messages after DeleteChat, want 0", len(msgs))
	}
}
