package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidemark-sync/tidemark/internal/change"
)

// testDB opens a database in a temporary directory.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"entities", "entity_keys", "sync_changes", "sync_groups",
		"sync_defunct", "sync_deferred", "sync_field_clock", "sync_applied_ops",
	}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	var mode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	// idempotent
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() second call failed: %v", err)
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}

func TestEntityCRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertEntity(ctx, &Row{Entity: "note", ID: "1", Group: "default", Fields: []byte{1}, UpdatedAt: 10})
	})
	if err != nil {
		t.Fatalf("InsertEntity() failed: %v", err)
	}

	r := db.Reader()
	row, err := r.GetEntity(ctx, "note", "1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if row.Group != "default" || row.UpdatedAt != 10 {
		t.Errorf("GetEntity() = %+v", row)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateEntity(ctx, &Row{Entity: "note", ID: "1", Fields: []byte{2}, UpdatedAt: 11})
	})
	if err != nil {
		t.Fatalf("UpdateEntity() failed: %v", err)
	}
	row, _ = r.GetEntity(ctx, "note", "1")
	if row.Fields[0] != 2 {
		t.Errorf("fields not updated: %v", row.Fields)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateEntity(ctx, &Row{Entity: "note", ID: "404"})
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEntity(missing) error = %v, want ErrNotFound", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		ok, err := tx.DeleteEntity(ctx, "note", "1")
		if !ok {
			t.Error("DeleteEntity() reported no row")
		}
		return err
	})
	if err != nil {
		t.Fatalf("DeleteEntity() failed: %v", err)
	}
	if _, err := r.GetEntity(ctx, "note", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity() after delete error = %v, want ErrNotFound", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertEntity(ctx, &Row{Entity: "note", ID: "1", Group: "g", Fields: []byte{}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	ok, err := db.Reader().EntityExists(ctx, "note", "1")
	if err != nil {
		t.Fatalf("EntityExists() failed: %v", err)
	}
	if ok {
		t.Error("row survived a rolled back transaction")
	}
}

func TestNextKey(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var keys []int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			k, err := tx.NextKey(ctx, "note")
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
		// a row inserted with an explicit id pushes the sequence forward
		if err := tx.InsertEntity(ctx, &Row{Entity: "note", ID: "50", Group: "g", Fields: []byte{}}); err != nil {
			return err
		}
		k, err := tx.NextKey(ctx, "note")
		keys = append(keys, k)
		return err
	})
	if err != nil {
		t.Fatalf("NextKey() failed: %v", err)
	}
	want := []int64{1, 2, 3, 51}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys = %v, want %v", keys, want)
			break
		}
	}
}

func TestChangeQueue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	recs := []change.Record{
		{ID: "c", Entity: "note", RecordID: "1", Op: change.Set, Property: "title", Timestamp: 30, Device: "d", Group: "g"},
		{ID: "a", Entity: "note", RecordID: "1", Op: change.Create, Timestamp: 10, Device: "d", Group: "g"},
		{ID: "b", Entity: "note", RecordID: "2", Op: change.Create, Timestamp: 20, Device: "d", Group: "h", Value: []byte{9}},
	}
	err := db.WithTx(ctx, func(tx *Tx) error {
		for _, r := range recs {
			if err := tx.EnqueueChange(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	r := db.Reader()
	got, err := r.PendingChanges(ctx, 2)
	if err != nil {
		t.Fatalf("PendingChanges() failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("PendingChanges(2) = %+v", got)
	}
	if got[1].Value[0] != 9 || got[0].Op != change.Create {
		t.Errorf("record fields not preserved: %+v", got[1])
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.DeleteChanges(ctx, []string{"a"}); err != nil {
			return err
		}
		_, err := tx.DiscardChangesForGroup(ctx, "h")
		return err
	})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	n, _ := r.PendingCount(ctx)
	if n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}

	ts, err := r.MaxTimestamp(ctx)
	if err != nil {
		t.Fatalf("MaxTimestamp() failed: %v", err)
	}
	if ts != 30 {
		t.Errorf("MaxTimestamp() = %d, want 30", ts)
	}
}

func TestGroups_TidemarkNeverDecreases(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertGroup(ctx, "g", time.Minute); err != nil {
			return err
		}
		if err := tx.AdvanceTidemark(ctx, "g", 100); err != nil {
			return err
		}
		if err := tx.AdvanceTidemark(ctx, "g", 40); err != nil {
			return err
		}
		// re-subscribing keeps the tidemark
		if err := tx.UpsertGroup(ctx, "g", 2*time.Minute); err != nil {
			return err
		}
		return tx.MarkGroupPolled(ctx, "g", time.UnixMilli(5000), true)
	})
	if err != nil {
		t.Fatalf("group updates failed: %v", err)
	}

	g, err := db.Reader().GetGroup(ctx, "g")
	if err != nil {
		t.Fatalf("GetGroup() failed: %v", err)
	}
	if g.Tidemark != 100 {
		t.Errorf("Tidemark = %d, want 100", g.Tidemark)
	}
	if g.Frequency != 2*time.Minute || !g.Outstanding || g.LastPolled.UnixMilli() != 5000 {
		t.Errorf("GetGroup() = %+v", g)
	}

	inserted, err := db.Reader().EnsureGroup(ctx, "g")
	if err != nil || inserted {
		t.Errorf("EnsureGroup(existing) = %v, %v", inserted, err)
	}
	if _, err := db.Reader().GetGroup(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetGroup(missing) error = %v", err)
	}
}

func TestMergeState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutDefunct(ctx, change.Defunct{Entity: "note", RecordID: "1", DeletedAt: 50}); err != nil {
			return err
		}
		if err := tx.PutDefunct(ctx, change.Defunct{Entity: "note", RecordID: "1", DeletedAt: 20}); err != nil {
			return err
		}
		if err := tx.PutFieldClock(ctx, "note", "1", "title", "g", FieldClock{Timestamp: 5, Device: "a"}); err != nil {
			return err
		}
		d := change.Deferred{
			Record:  change.Record{ID: "x", Entity: "note", RecordID: "2", Op: change.Set, Property: "p", Timestamp: 7, Device: "b", Group: "g"},
			Payload: []byte{1, 2},
		}
		if err := tx.PutDeferred(ctx, d); err != nil {
			return err
		}
		d.Retries = 3
		return tx.PutDeferred(ctx, d)
	})
	if err != nil {
		t.Fatalf("writes failed: %v", err)
	}

	r := db.Reader()
	tomb, err := r.GetDefunct(ctx, "note", "1")
	if err != nil || tomb == nil || tomb.DeletedAt != 50 {
		t.Errorf("GetDefunct() = %+v, %v; want DeletedAt 50", tomb, err)
	}
	if tomb, _ := r.GetDefunct(ctx, "note", "9"); tomb != nil {
		t.Errorf("GetDefunct(missing) = %+v", tomb)
	}

	fc, err := r.GetFieldClock(ctx, "note", "1", "title")
	if err != nil || fc == nil || fc.Timestamp != 5 || fc.Device != "a" {
		t.Errorf("GetFieldClock() = %+v, %v", fc, err)
	}

	deferred, err := r.ListDeferred(ctx, "g")
	if err != nil {
		t.Fatalf("ListDeferred() failed: %v", err)
	}
	if len(deferred) != 1 || deferred[0].Retries != 3 || deferred[0].Record.Op != change.Set {
		t.Errorf("ListDeferred() = %+v", deferred)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		first, err := tx.MarkApplied(ctx, "op1", "g", 1)
		if err != nil {
			return err
		}
		again, err := tx.MarkApplied(ctx, "op1", "g", 2)
		if !first || again {
			t.Errorf("MarkApplied() = %v then %v, want true then false", first, again)
		}
		return err
	})
	if err != nil {
		t.Fatalf("MarkApplied() failed: %v", err)
	}
}
