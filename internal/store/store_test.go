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

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

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

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", Sender: "alice", Recipient: "bob", Body: "hi", Kind: KindText, Status: StatusSent, Timestamp: 1000}
	if err := db.UpsertMessage(msg, false); err != nil {
		t.Fatal(err)
	}
	// Applying the same inbound event twice must yield one unchanged record.
	if err := db.UpsertMessage(msg, false); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Conversation("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "hi" || msgs[0].Status != StatusSent {
		t.Errorf("record changed after duplicate upsert: %+v", msgs[0])
	}
}

// TestUpsertMergePreservesIdentityFields verifies a late duplicate cannot
// rewrite timestamp or participants over the stored record.
func TestUpsertMergePreservesIdentityFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ID: "m1", Sender: "alice", Recipient: "bob", Body: "hi", Kind: KindText, Status: StatusDelivered, Timestamp: 1000}, false); err != nil {
		t.Fatal(err)
	}
	// Stale duplicate with a different timestamp and an older status.
	if err := db.UpsertMessage(&Message{ID: "m1", Sender: "mallory", Recipient: "bob", Body: "hi", Kind: KindText, Status: StatusSent, Timestamp: 9999}, false); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Timestamp != 1000 {
		t.Errorf("timestamp = %d, want 1000 (never overwritten)", m.Timestamp)
	}
	if m.Sender != "alice" {
		t.Errorf("sender = %q, want alice (never overwritten)", m.Sender)
	}
	if m.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered (no regression)", m.Status)
	}
}

func TestUpsertBackfillsMediaFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ID: "m1", Sender: "alice", Recipient: "bob", Kind: KindImage, Status: StatusSent, Timestamp: 1000}, false); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ID: "m1", Sender: "alice", Recipient: "bob", Kind: KindImage, Image: "blob://img-1", Status: StatusSent, Timestamp: 1000}, false); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Image != "blob://img-1" {
		t.Errorf("image = %q, want backfilled blob://img-1", m.Image)
	}

	// An empty media field in a later duplicate must not erase the blob.
	if err := db.UpsertMessage(&Message{ID: "m1", Sender: "alice", Recipient: "bob", Kind: KindImage, Status: StatusSent, Timestamp: 1000}, false); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage("m1")
	if m.Image != "blob://img-1" {
		t.Errorf("image = %q, want blob://img-1 retained", m.Image)
	}
}

// TestStatusMonotonicUnderPermutations drives every ordering of status
// writes and asserts the stored status never moves backward. The transport
// does not guarantee global ordering, so this guard is the real safety
// net, not arrival order.
func TestStatusMonotonicUnderPermutations(t *testing.T) {
	perms := [][]string{
		{StatusSent, StatusDelivered, StatusRead},
		{StatusSent, StatusRead, StatusDelivered},
		{StatusDelivered, StatusSent, StatusRead},
		{StatusDelivered, StatusRead, StatusSent},
		{StatusRead, StatusSent, StatusDelivered},
		{StatusRead, StatusDelivered, StatusSent},
	}

	for _, perm := range perms {
		db := testDB(t)
		if err := db.UpsertMessage(&Message{ID: "m1", Sender: "a", Recipient: "b", Status: perm[0], Kind: KindText, Timestamp: 1}, false); err != nil {
			t.Fatal(err)
		}
		high := StatusRank(perm[0])
		for _, s := range perm[1:] {
			if err := db.UpdateStatus("m1", s); err != nil {
				t.Fatal(err)
			}
			if r := StatusRank(s); r > high {
				high = r
			}
			m, err := db.GetMessage("m1")
			if err != nil {
				t.Fatal(err)
			}
			if StatusRank(m.Status) != high {
				t.Errorf("perm %v: status = %q (rank %d), want rank %d", perm, m.Status, StatusRank(m.Status), high)
			}
		}
		_ = db.Close()
	}
}

func TestUpdateStatusMissingIDIsNoOp(t *testing.T) {
	db := testDB(t)
	if err := db.UpdateStatus("missing-id", StatusDelivered); err != nil {
		t.Errorf("UpdateStatus on empty store = %v, want nil", err)
	}
}

func TestConversationCoversBothDirections(t *testing.T) {
	db := testDB(t)

	writes := []Message{
		{ID: "m1", Sender: "alice", Recipient: "bob", Body: "one", Timestamp: 100},
		{ID: "m2", Sender: "bob", Recipient: "alice", Body: "two", Timestamp: 200},
		{ID: "m3", Sender: "alice", Recipient: "carol", Body: "other chat", Timestamp: 150},
		{ID: "m4", Sender: "alice", Recipient: "bob", Body: "three", Timestamp: 300},
	}
	for i := range writes {
		writes[i].Kind = KindText
		writes[i].Status = StatusSent
		if err := db.UpsertMessage(&writes[i], false); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.Conversation("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m4"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d] = %s, want %s (ascending timestamp)", i, msgs[i].ID, want)
		}
	}
}

func TestDeleteAndClear(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"m1", "m2"} {
		if err := db.UpsertMessage(&Message{ID: id, Sender: "a", Recipient: "b", Kind: KindText, Status: StatusSent, Timestamp: 1}, false); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetMessage("m1"); m != nil {
		t.Error("m1 still present after delete")
	}
	if m, _ := db.GetMessage("m2"); m == nil {
		t.Error("m2 missing after deleting m1")
	}

	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetMessage("m2"); m != nil {
		t.Error("m2 still present after clear")
	}
}

func TestReceiptQueueDedup(t *testing.T) {
	db := testDB(t)

	r := &PendingReceipt{MessageID: "m1", Recipient: "bob", Sender: "alice", Event: "messageDelivered"}
	if err := db.EnqueueReceipt(r); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueReceipt(r); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountReceipts()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending receipts = %d, want 1 (deduplicated)", n)
	}
}

func TestReceiptQueueOrderAndDelete(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := db.EnqueueReceipt(&PendingReceipt{MessageID: id, Recipient: "bob", Sender: "alice", Event: "messageDelivered"}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.PendingReceipts()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d receipts, want 3", len(pending))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if pending[i].MessageID != want {
			t.Errorf("pending[%d] = %s, want %s (insertion order)", i, pending[i].MessageID, want)
		}
	}

	if err := db.DeleteReceipt("m2"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingReceipts()
	if len(pending) != 2 {
		t.Errorf("got %d receipts after delete, want 2", len(pending))
	}
}
