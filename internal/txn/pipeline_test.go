package txn

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/schema"
)

type fixture struct {
	db       *db.DB
	registry *schema.Registry
	pipeline *Pipeline
	hub      *events.Hub[events.Event]
	recorder *stubRecorder
}

// stubRecorder queues one record per element and can be told to fail.
type stubRecorder struct {
	failOn func(*Element) bool
	seen   []string
}

func (r *stubRecorder) Record(ctx context.Context, tx *db.Tx, el *Element) error {
	if r.failOn != nil && r.failOn(el) {
		return errors.New("disk full")
	}
	r.seen = append(r.seen, el.String())
	return tx.EnqueueChange(ctx, change.Record{
		ID: uuid.NewString(), Entity: el.Entity.Type(), RecordID: el.RecordID,
		Op: change.Create, Timestamp: 1, Device: "d", Group: el.Group,
	})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "txn.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	reg := schema.NewRegistry()
	reg.MustRegister(
		schema.Descriptor{
			Name:         "folder",
			Properties:   []schema.Property{{Name: "name", Type: schema.Text}},
			Capabilities: schema.Hooks,
		},
		schema.Descriptor{
			Name: "note",
			Properties: []schema.Property{
				{Name: "title", Type: schema.Text},
				{Name: "views", Type: schema.Integer, Default: 0},
				{Name: "folder", Type: schema.Integer, References: "folder"},
			},
			Capabilities: schema.Hooks,
		},
		schema.Descriptor{Name: "tag", Key: schema.KeyString, Properties: []schema.Property{{Name: "label", Type: schema.Text}}},
	)
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	hub := events.NewHub[events.Event]()
	rec := &stubRecorder{}
	p := New(database, reg, Options{Recorder: rec, Events: hub})
	return &fixture{db: database, registry: reg, pipeline: p, hub: hub, recorder: rec}
}

func (f *fixture) newEntity(t *testing.T, typ string, fields map[string]any) *entity.Entity {
	t.Helper()
	d, err := f.registry.Lookup(typ)
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %v", typ, err)
	}
	e := entity.New(d)
	for k, v := range fields {
		if err := e.Set(k, v); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}
	return e
}

func (f *fixture) commit(t *testing.T, e *entity.Entity) {
	t.Helper()
	if err := f.pipeline.Commit(context.Background(), e, true); err != nil {
		t.Fatalf("Commit(%s) failed: %v", e.Type(), err)
	}
}

func (f *fixture) rowExists(t *testing.T, typ, id string) bool {
	t.Helper()
	ok, err := f.db.Reader().EntityExists(context.Background(), typ, id)
	if err != nil {
		t.Fatalf("EntityExists() failed: %v", err)
	}
	return ok
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.db.Reader().PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	return n
}

func TestCommit_InsertAssignsKeyAndPublishes(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(10, nil)

	n := f.newEntity(t, "note", map[string]any{"title": "hello"})
	f.commit(t, n)

	if n.Key() != entity.IntKey(1) {
		t.Errorf("Key() = %v, want 1", n.Key())
	}
	if !n.Exists() || len(n.Dirty()) != 0 {
		t.Errorf("Exists() = %v, Dirty() = %v after commit", n.Exists(), n.Dirty())
	}
	if !f.rowExists(t, "note", "1") {
		t.Error("row note/1 missing")
	}
	if p := f.pending(t); p != 1 {
		t.Errorf("pending = %d, want 1", p)
	}

	ev := <-sub.C
	want := events.Event{Kind: events.Insert, Entity: "note", RecordID: "1", Group: change.DefaultGroup}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}

	// unchanged entity writes nothing
	f.commit(t, n)
	if p := f.pending(t); p != 1 {
		t.Errorf("pending = %d after an unchanged commit, want 1", p)
	}
}

func TestCommit_CascadePatchesGeneratedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// burn key 1 so the folder gets a different key than the note
	f.commit(t, f.newEntity(t, "folder", map[string]any{"name": "first"}))

	folder := f.newEntity(t, "folder", map[string]any{"name": "inbox"})
	note := f.newEntity(t, "note", map[string]any{"title": "x"})
	if err := note.SetRef("folder", folder); err != nil {
		t.Fatalf("SetRef() failed: %v", err)
	}
	f.commit(t, note)

	if folder.Key() != entity.IntKey(2) {
		t.Errorf("folder key = %v, want 2", folder.Key())
	}
	if got := note.Get("folder"); got != int64(2) {
		t.Errorf("note.folder = %v, want 2", got)
	}
	want := []string{"insert folder/1", "insert folder/2", "insert note/1"}
	if !reflect.DeepEqual(f.recorder.seen, want) {
		t.Errorf("recorded %v, want %v", f.recorder.seen, want)
	}

	row, err := f.db.Reader().GetEntity(ctx, "note", "1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	fields, err := entity.DecodeFields(row.Fields)
	if err != nil {
		t.Fatalf("DecodeFields() failed: %v", err)
	}
	if fields["folder"] != int64(2) {
		t.Errorf("stored folder = %v, want 2", fields["folder"])
	}
}

func TestCommit_WithoutCascadeSkipsParent(t *testing.T) {
	f := newFixture(t)
	folder := f.newEntity(t, "folder", map[string]any{"name": "inbox"})
	note := f.newEntity(t, "note", nil)
	if err := note.SetRef("folder", folder); err != nil {
		t.Fatalf("SetRef() failed: %v", err)
	}

	if err := f.pipeline.Commit(context.Background(), note, false); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if folder.Exists() {
		t.Error("folder written without cascade")
	}
	if got := note.Get("folder"); got != nil {
		t.Errorf("note.folder = %v, want nil", got)
	}
}

func TestTransaction_PreconditionRejectsWholeGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var errs []*CommitError
	f.pipeline.OnError(func(err *CommitError) { errs = append(errs, err) })
	err := f.pipeline.SetHooks("note", HookFuncs{
		OnWillInsert: func(e *entity.Entity) bool { return e.Get("title") != "second" },
	})
	if err != nil {
		t.Fatalf("SetHooks() failed: %v", err)
	}

	first := f.newEntity(t, "folder", map[string]any{"name": "one"})
	second := f.newEntity(t, "note", map[string]any{"title": "second"})
	third := f.newEntity(t, "folder", map[string]any{"name": "three"})

	groupLen := 0
	err = f.pipeline.Transaction(ctx, func(b *Batch) error {
		for _, e := range []*entity.Entity{first, second, third} {
			if err := b.Commit(e, true); err != nil {
				return err
			}
		}
		groupLen = b.Group().Len()
		return nil
	})
	if groupLen != 3 {
		t.Errorf("group length = %d, want 3", groupLen)
	}

	if !errors.Is(err, ErrPrecondition) || errors.Is(err, ErrStorage) {
		t.Fatalf("Transaction() error = %v, want a precondition failure", err)
	}
	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("Transaction() error = %v, want CommitError", err)
	}
	if ce.Element.Entity != second {
		t.Errorf("failed element = %v, want the second entity", ce.Element)
	}
	if len(errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(errs))
	}

	// nothing was written for elements 1 and 3
	for _, typ := range []string{"folder", "note"} {
		rows, err := f.db.Reader().ListEntities(ctx, typ, "")
		if err != nil {
			t.Fatalf("ListEntities(%s) failed: %v", typ, err)
		}
		if len(rows) != 0 {
			t.Errorf("%d %s rows written", len(rows), typ)
		}
	}
	if p := f.pending(t); p != 0 {
		t.Errorf("pending = %d, want 0", p)
	}
	if first.Exists() || !first.Key().IsZero() {
		t.Errorf("first entity kept state: exists %v key %v", first.Exists(), first.Key())
	}
}

func TestExecute_StorageFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	folder := f.newEntity(t, "folder", map[string]any{"name": "inbox"})
	note := f.newEntity(t, "note", map[string]any{"title": "x"})
	if err := note.SetRef("folder", folder); err != nil {
		t.Fatalf("SetRef() failed: %v", err)
	}

	f.recorder.failOn = func(el *Element) bool { return el.Entity == note }
	if err := f.pipeline.Commit(ctx, note, true); !errors.Is(err, ErrStorage) {
		t.Fatalf("Commit() error = %v, want ErrStorage", err)
	}

	if f.rowExists(t, "folder", "1") {
		t.Error("folder row survived the rollback")
	}
	if p := f.pending(t); p != 0 {
		t.Errorf("pending = %d, want 0", p)
	}
	// the generated key is rolled back too
	if !folder.Key().IsZero() || folder.Exists() {
		t.Errorf("folder key = %v, exists = %v, want a fresh entity", folder.Key(), folder.Exists())
	}
	if got := note.Get("folder"); got != nil {
		t.Errorf("note.folder = %v, want nil", got)
	}

	// the same entities commit once the failure is gone
	f.recorder.failOn = nil
	f.commit(t, note)
	if !f.rowExists(t, "folder", "1") {
		t.Error("folder row missing after retry")
	}
}

func TestCommit_UpdateAppliesDeltasOnStoredValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := f.newEntity(t, "note", map[string]any{"views": 10})
	f.commit(t, n)

	// another writer bumps the stored counter behind our back
	other, err := f.db.Reader().GetEntity(ctx, "note", "1")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	fields, _ := entity.DecodeFields(other.Fields)
	fields["views"] = int64(20)
	data, _ := entity.EncodeFields(fields)
	err = f.db.WithTx(ctx, func(tx *db.Tx) error {
		return tx.UpdateEntity(ctx, &db.Row{Entity: "note", ID: "1", Fields: data})
	})
	if err != nil {
		t.Fatalf("UpdateEntity() failed: %v", err)
	}

	if err := n.Increment("views", 5); err != nil {
		t.Fatalf("Increment() failed: %v", err)
	}
	f.commit(t, n)
	if got := n.Get("views"); got != int64(25) {
		t.Errorf("views = %v, want 25", got)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe(10, events.Mask(events.Delete))

	var did []string
	err := f.pipeline.SetHooks("folder", HookFuncs{
		OnDidDelete: func(e *entity.Entity) { did = append(did, e.Key().String()) },
	})
	if err != nil {
		t.Fatalf("SetHooks() failed: %v", err)
	}

	folder := f.newEntity(t, "folder", map[string]any{"name": "x"})
	f.commit(t, folder)
	if err := f.pipeline.Remove(ctx, folder); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	if f.rowExists(t, "folder", "1") {
		t.Error("row folder/1 still present")
	}
	if !folder.Removed() {
		t.Error("Removed() = false")
	}
	if !reflect.DeepEqual(did, []string{"1"}) {
		t.Errorf("OnDidDelete saw %v, want [1]", did)
	}
	if ev := <-sub.C; ev.Kind != events.Delete {
		t.Errorf("event kind = %v, want delete", ev.Kind)
	}

	if err := f.pipeline.Commit(ctx, folder, true); !errors.Is(err, entity.ErrRemoved) {
		t.Errorf("Commit() of removed entity error = %v, want ErrRemoved", err)
	}
	if err := f.pipeline.Remove(ctx, f.newEntity(t, "folder", nil)); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Remove() of unsaved entity error = %v, want ErrNotFound", err)
	}
}

func TestKeys_StringAndGUID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tag := f.newEntity(t, "tag", map[string]any{"label": "x"})
	if err := f.pipeline.Commit(ctx, tag, true); !errors.Is(err, ErrStorage) {
		t.Fatalf("Commit() without a string key error = %v, want ErrStorage", err)
	}

	tag.SetKey(entity.StringKey("red"))
	f.commit(t, tag)
	if !f.rowExists(t, "tag", "red") {
		t.Error("row tag/red missing")
	}
}

func TestSetHooks_RequiresCapability(t *testing.T) {
	f := newFixture(t)
	if err := f.pipeline.SetHooks("tag", HookFuncs{}); err == nil {
		t.Error("SetHooks(tag) should fail without the hooks capability")
	}
	if err := f.pipeline.SetHooks("missing", HookFuncs{}); err == nil {
		t.Error("SetHooks(missing) should fail")
	}
}

func TestClosedPipeline(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Close()
	err := f.pipeline.Commit(context.Background(), f.newEntity(t, "folder", nil), true)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Commit() error = %v, want ErrClosed", err)
	}
}

func TestGroup_AddAfterClose(t *testing.T) {
	f := newFixture(t)
	g := NewGroup()
	if err := g.Add(&Element{Statement: Insert, Entity: f.newEntity(t, "note", nil)}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if got := g.Databases(); !reflect.DeepEqual(got, []string{schema.DefaultDatabase}) {
		t.Errorf("Databases() = %v, want [%s]", got, schema.DefaultDatabase)
	}
	if ev := g.Elements()[0].Event; ev != events.Insert {
		t.Errorf("element event = %v, want insert", ev)
	}

	g.Close()
	err := g.Add(&Element{Statement: Insert, Entity: f.newEntity(t, "note", nil)})
	if !errors.Is(err, ErrGroupClosed) {
		t.Errorf("Add() after Close error = %v, want ErrGroupClosed", err)
	}
}
