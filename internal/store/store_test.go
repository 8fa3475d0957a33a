package store

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tidemark-sync/tidemark/internal/config"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/exchange"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/syncserver"
	"github.com/tidemark-sync/tidemark/internal/txn"
)

func registry() *schema.Registry {
	reg := schema.NewRegistry()
	reg.MustRegister(
		schema.Descriptor{
			Name: "note", Key: schema.KeyGUID,
			Properties: []schema.Property{
				{Name: "title", Type: schema.Text, Default: "untitled"},
				{Name: "views", Type: schema.Integer, Default: 0},
			},
			Capabilities: schema.Syncable,
		},
		schema.Descriptor{
			Name: "tag", Key: schema.KeyAuto,
			Properties:   []schema.Property{{Name: "label", Type: schema.Text}},
			Capabilities: schema.Hooks,
		},
	)
	return reg
}

func vaultRegistry() *schema.Registry {
	reg := schema.NewRegistry()
	reg.MustRegister(schema.Descriptor{
		Name: "card", Key: schema.KeyGUID,
		Properties: []schema.Property{
			{Name: "label", Type: schema.Text},
			{Name: "pin", Type: schema.Text, Encrypted: true},
		},
		Capabilities: schema.Syncable,
	})
	return reg
}

// openDevice opens a store whose clock reads a fixed wall time, so that
// every write of one device is ordered before every write of the other.
func openDevice(t *testing.T, device, serviceURL string, wall time.Time) *Store {
	t.Helper()
	return openDeviceWith(t, device, serviceURL, wall, registry(), nil)
}

func openDeviceWith(t *testing.T, device, serviceURL string, wall time.Time, reg *schema.Registry, edit func(*config.Settings)) *Store {
	t.Helper()
	st, err := Open(context.Background(), deviceSettings(t, device, serviceURL, edit), Options{
		Registry: reg,
		Now:      func() time.Time { return wall },
	})
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", device, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func deviceSettings(t *testing.T, device, serviceURL string, edit func(*config.Settings)) *config.Settings {
	t.Helper()
	s := config.Default()
	s.DeviceID = device
	s.ServiceURL = serviceURL
	s.ApplicationKey = "app"
	s.AccountKey = "acct"
	s.DatabasePath = filepath.Join(t.TempDir(), device+".db")
	if edit != nil {
		edit(s)
	}
	return s
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(syncserver.New(syncserver.NewMemoryLog(), syncserver.Options{AppKey: "app"}))
	t.Cleanup(srv.Close)
	return srv
}

func syncDevice(t *testing.T, s *Store) *exchange.Report {
	t.Helper()
	rep, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	return rep
}

func createNote(t *testing.T, s *Store, title string) *entity.Entity {
	t.Helper()
	n, err := s.New("note")
	if err != nil {
		t.Fatalf("New(note) failed: %v", err)
	}
	if err := n.Set("title", title); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Commit(context.Background(), n); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return n
}

func get(t *testing.T, s *Store, entityType, id string) *entity.Entity {
	t.Helper()
	e, err := s.Get(context.Background(), entityType, id)
	if err != nil {
		t.Fatalf("Get(%s, %s) failed: %v", entityType, id, err)
	}
	return e
}

func title(t *testing.T, s *Store, id string) any {
	t.Helper()
	return get(t, s, "note", id).Get("title")
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStore_LocalCRUD(t *testing.T) {
	ctx := context.Background()
	st := openDevice(t, "dev-a", "", time.Unix(1000, 0))

	n := createNote(t, st, "first")
	id := n.Key().String()
	if got := title(t, st, id); got != "first" {
		t.Errorf("title = %v, want first", got)
	}

	got := get(t, st, "note", id)
	if v := got.Get("views"); v != int64(0) {
		t.Errorf("views = %v, want 0", v)
	}
	mustNil(t, got.Set("title", "second"))
	mustNil(t, st.Commit(ctx, got))
	if v := title(t, st, id); v != "second" {
		t.Errorf("title = %v, want second", v)
	}

	list, err := st.List(ctx, "note", "")
	mustNil(t, err)
	if len(list) != 1 {
		t.Errorf("List() returned %d notes, want 1", len(list))
	}

	mustNil(t, st.Remove(ctx, got))
	if _, err := st.Get(ctx, "note", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
	}

	if _, err := st.New("nope"); !errors.Is(err, schema.ErrUnknownEntity) {
		t.Errorf("New(nope) error = %v, want ErrUnknownEntity", err)
	}
}

func TestStore_TransactionIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := openDevice(t, "dev-a", "", time.Unix(1000, 0))

	boom := errors.New("boom")
	err := st.Transaction(ctx, func(b *txn.Batch) error {
		n, _ := st.New("note")
		if err := b.Commit(n, true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Transaction() error = %v, want boom", err)
	}

	list, err := st.List(ctx, "note", "")
	mustNil(t, err)
	if len(list) != 0 {
		t.Errorf("List() returned %d notes after rollback", len(list))
	}
	pending, err := st.PendingChanges(ctx, 0)
	mustNil(t, err)
	if len(pending) != 0 {
		t.Errorf("PendingChanges() returned %d records after rollback", len(pending))
	}
}

func TestStore_HooksAndEvents(t *testing.T) {
	ctx := context.Background()
	st := openDevice(t, "dev-a", "", time.Unix(1000, 0))

	if err := st.SetHooks("note", txn.HookFuncs{}); err == nil {
		t.Error("SetHooks() on an entity without the hooks capability should fail")
	}

	var inserted []string
	mustNil(t, st.SetHooks("tag", txn.HookFuncs{
		OnWillInsert: func(e *entity.Entity) bool { return e.Get("label") != "forbidden" },
		OnDidInsert:  func(e *entity.Entity) { inserted = append(inserted, e.Get("label").(string)) },
	}))
	var failures []*txn.CommitError
	st.OnError(func(err *txn.CommitError) { failures = append(failures, err) })

	sub := st.Subscribe(events.Insert, "tag")
	defer sub.Close()

	tag, _ := st.New("tag")
	mustNil(t, tag.Set("label", "work"))
	mustNil(t, st.Commit(ctx, tag))

	bad, _ := st.New("tag")
	mustNil(t, bad.Set("label", "forbidden"))
	err := st.Commit(ctx, bad)
	if !errors.Is(err, txn.ErrPrecondition) {
		t.Errorf("Commit() error = %v, want ErrPrecondition", err)
	}
	if Committed(err) {
		t.Error("Committed() = true for a rejected commit")
	}

	if !reflect.DeepEqual(inserted, []string{"work"}) {
		t.Errorf("inserted = %v, want [work]", inserted)
	}
	if len(failures) != 1 {
		t.Errorf("OnError called %d times, want 1", len(failures))
	}

	select {
	case ev := <-sub.C:
		if ev.Entity != "tag" || ev.RecordID != tag.Key().String() || ev.Remote {
			t.Errorf("event = %+v, want local insert of tag %s", ev, tag.Key())
		}
	case <-time.After(time.Second):
		t.Fatal("no insert event")
	}

	// tags are not syncable and leave no change records behind
	pending, err := st.PendingChanges(ctx, 0)
	mustNil(t, err)
	if len(pending) != 0 {
		t.Errorf("PendingChanges() = %d records, want 0", len(pending))
	}
}

func TestStore_ConcurrentEditsConverge(t *testing.T) {
	for _, first := range []string{"dev-a", "dev-b"} {
		t.Run(first+" syncs first", func(t *testing.T) {
			ctx := context.Background()
			srv := newServer(t)
			a := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))
			b := openDevice(t, "dev-b", srv.URL, time.Unix(2000, 0))

			n := createNote(t, a, "draft")
			id := n.Key().String()
			syncDevice(t, a)
			syncDevice(t, b)
			if got := title(t, b, id); got != "draft" {
				t.Fatalf("b title = %v, want draft", got)
			}

			na := get(t, a, "note", id)
			mustNil(t, na.Set("title", "from a"))
			mustNil(t, a.Commit(ctx, na))

			nb := get(t, b, "note", id)
			mustNil(t, nb.Set("title", "from b"))
			mustNil(t, b.Commit(ctx, nb))

			order := []*Store{a, b, a}
			if first == "dev-b" {
				order = []*Store{b, a, b}
			}
			for _, s := range order {
				syncDevice(t, s)
			}

			// b wrote later, so its value wins on both devices
			for name, s := range map[string]*Store{"a": a, "b": b} {
				if got := title(t, s, id); got != "from b" {
					t.Errorf("%s title = %v, want from b", name, got)
				}
			}
		})
	}
}

func TestStore_IncrementsConverge(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	a := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))
	b := openDevice(t, "dev-b", srv.URL, time.Unix(2000, 0))

	id := createNote(t, a, "counter").Key().String()
	syncDevice(t, a)
	syncDevice(t, b)

	na := get(t, a, "note", id)
	mustNil(t, na.Increment("views", 1))
	mustNil(t, a.Commit(ctx, na))

	nb := get(t, b, "note", id)
	mustNil(t, nb.Increment("views", 2))
	mustNil(t, b.Commit(ctx, nb))

	syncDevice(t, a)
	syncDevice(t, b)
	syncDevice(t, a)

	for name, s := range map[string]*Store{"a": a, "b": b} {
		if got := get(t, s, "note", id).Get("views"); got != int64(3) {
			t.Errorf("%s views = %v, want 3", name, got)
		}
	}
}

func TestStore_RemoteDelete(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	a := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))
	b := openDevice(t, "dev-b", srv.URL, time.Unix(2000, 0))

	n := createNote(t, a, "doomed")
	id := n.Key().String()
	syncDevice(t, a)
	syncDevice(t, b)

	sub := b.Subscribe(events.Delete)
	defer sub.Close()

	mustNil(t, a.Remove(ctx, n))
	syncDevice(t, a)
	syncDevice(t, b)

	if _, err := b.Get(ctx, "note", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() on b error = %v, want ErrNotFound", err)
	}
	select {
	case ev := <-sub.C:
		if ev.RecordID != id || !ev.Remote {
			t.Errorf("event = %+v, want remote delete of %s", ev, id)
		}
	case <-time.After(time.Second):
		t.Fatal("no delete event")
	}
}

func TestStore_ResubscribeRefetchesGroup(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	a := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))
	b := openDevice(t, "dev-b", srv.URL, time.Unix(2000, 0))

	n, err := a.New("note")
	mustNil(t, err)
	mustNil(t, n.SetGroup("team"))
	mustNil(t, n.Set("title", "shared"))
	mustNil(t, a.Commit(ctx, n))
	id := n.Key().String()

	// committing into a group subscribes it
	groupsA, err := a.CurrentGroups(ctx)
	mustNil(t, err)
	if len(groupsA) != 2 {
		t.Errorf("a has %d groups, want 2", len(groupsA))
	}
	syncDevice(t, a)

	syncDevice(t, b)
	if _, err := b.Get(ctx, "note", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("b sees the note before subscribing to team: %v", err)
	}

	mustNil(t, b.SubscribeGroup(ctx, "team", 0))
	syncDevice(t, b)
	if got := title(t, b, id); got != "shared" {
		t.Errorf("b title = %v, want shared", got)
	}

	mustNil(t, b.UnsubscribeGroup(ctx, "team"))
	list, err := b.List(ctx, "note", "team")
	mustNil(t, err)
	if len(list) != 0 {
		t.Errorf("b still lists %d team notes after unsubscribing", len(list))
	}

	mustNil(t, b.SubscribeGroup(ctx, "team", 0))
	syncDevice(t, b)
	if got := title(t, b, id); got != "shared" {
		t.Errorf("b title after resubscribing = %v, want shared", got)
	}

	status, err := b.Status(ctx)
	mustNil(t, err)
	if status.Entities["note"] != 1 || status.Pending != 0 || len(status.Groups) != 2 {
		t.Errorf("status = %+v, want one note, nothing pending and two groups", status)
	}
}

// TestStore_RecoversOwnEntitiesAfterResubscribe tests that a device which
// drops a group it wrote to gets its own entities back from the service.
func TestStore_RecoversOwnEntitiesAfterResubscribe(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	a := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))

	n, err := a.New("note")
	mustNil(t, err)
	mustNil(t, n.SetGroup("team"))
	mustNil(t, n.Set("title", "mine"))
	mustNil(t, a.Commit(ctx, n))
	mustNil(t, n.Increment("views", 2))
	mustNil(t, a.Commit(ctx, n))
	id := n.Key().String()

	// the first round hands the records straight back
	rep := syncDevice(t, a)
	if rep.Applied != 0 || rep.Duplicate != rep.Sent {
		t.Errorf("Applied = %d, Duplicate = %d, Sent = %d, want echoes only", rep.Applied, rep.Duplicate, rep.Sent)
	}
	if got := get(t, a, "note", id).Get("views"); got != int64(2) {
		t.Errorf("views after echo = %v, want 2", got)
	}

	mustNil(t, a.UnsubscribeGroup(ctx, "team"))
	if _, err := a.Get(ctx, "note", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("note still present after unsubscribing: %v", err)
	}

	mustNil(t, a.SubscribeGroup(ctx, "team", 0))
	syncDevice(t, a)

	got := get(t, a, "note", id)
	if got.Get("title") != "mine" || got.Get("views") != int64(2) {
		t.Errorf("recovered note title = %v, views = %v, want mine and 2", got.Get("title"), got.Get("views"))
	}
	if got.Group() != "team" {
		t.Errorf("recovered note group = %q, want team", got.Group())
	}
}

// TestStore_KeyedDeviceRejectsPlaintext tests that a device with an
// encryption key refuses unencrypted values unless told to accept them.
func TestStore_KeyedDeviceRejectsPlaintext(t *testing.T) {
	srv := newServer(t)
	plain := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))
	id := createNote(t, plain, "in the clear").Key().String()
	syncDevice(t, plain)

	keyed := openDeviceWith(t, "dev-b", srv.URL, time.Unix(2000, 0), registry(), func(s *config.Settings) {
		s.EncryptionKey = "k1"
	})
	rep := syncDevice(t, keyed)
	// the title and views values are refused, the bare create is not
	if len(rep.Integrity) != 2 {
		t.Fatalf("Integrity = %v, want 2 entries", rep.Integrity)
	}
	for _, err := range rep.Integrity {
		var encErr *envelope.EncryptionError
		if !errors.As(err, &encErr) {
			t.Errorf("Integrity entry %v is not an EncryptionError", err)
		}
	}
	if got := title(t, keyed, id); got != "untitled" {
		t.Errorf("keyed title = %v, want the default", got)
	}

	lenient := openDeviceWith(t, "dev-c", srv.URL, time.Unix(3000, 0), registry(), func(s *config.Settings) {
		s.EncryptionKey = "k1"
		s.AcceptPlaintext = true
	})
	rep = syncDevice(t, lenient)
	if len(rep.Integrity) != 0 {
		t.Errorf("Integrity = %v, want none", rep.Integrity)
	}
	if got := title(t, lenient, id); got != "in the clear" {
		t.Errorf("lenient title = %v, want in the clear", got)
	}
}

// TestStore_EncryptedPropertiesAtRest tests that encrypted properties are
// sealed in the database, read back in the clear and sync between devices
// sharing the key.
func TestStore_EncryptedPropertiesAtRest(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	withKey := func(s *config.Settings) { s.EncryptionKey = "vault" }
	a := openDeviceWith(t, "dev-a", srv.URL, time.Unix(1000, 0), vaultRegistry(), withKey)
	b := openDeviceWith(t, "dev-b", srv.URL, time.Unix(2000, 0), vaultRegistry(), withKey)

	card, err := a.New("card")
	mustNil(t, err)
	mustNil(t, card.Set("label", "visa"))
	mustNil(t, card.Set("pin", "4711"))
	mustNil(t, a.Commit(ctx, card))
	id := card.Key().String()

	row, err := a.DB().Reader().GetEntity(ctx, "card", id)
	mustNil(t, err)
	if bytes.Contains(row.Fields, []byte("4711")) {
		t.Error("pin stored in the clear")
	}
	if !bytes.Contains(row.Fields, []byte("visa")) {
		t.Error("label should be stored in the clear")
	}
	if got := get(t, a, "card", id).Get("pin"); got != "4711" {
		t.Errorf("pin = %v, want 4711", got)
	}

	syncDevice(t, a)
	syncDevice(t, b)
	if got := get(t, b, "card", id).Get("pin"); got != "4711" {
		t.Errorf("b pin = %v, want 4711", got)
	}
	row, err = b.DB().Reader().GetEntity(ctx, "card", id)
	mustNil(t, err)
	if bytes.Contains(row.Fields, []byte("4711")) {
		t.Error("b stores the pin in the clear")
	}

	// an encrypted property needs a key
	_, err = Open(ctx, deviceSettings(t, "dev-c", "", nil), Options{Registry: vaultRegistry()})
	if err == nil {
		t.Error("Open() without a key should fail for encrypted properties")
	}
}

func TestStore_OnSyncReports(t *testing.T) {
	srv := newServer(t)
	a := openDevice(t, "dev-a", srv.URL, time.Unix(1000, 0))

	sub := a.OnSync()
	defer sub.Close()

	createNote(t, a, "hello")
	syncDevice(t, a)

	select {
	case rep := <-sub.C:
		if rep.Sent != 3 || !rep.OK() {
			t.Errorf("report Sent = %d, OK = %v, want 3 and true", rep.Sent, rep.OK())
		}
	case <-time.After(time.Second):
		t.Fatal("no report")
	}
}

func TestOpen_RejectsInvalidSettings(t *testing.T) {
	s := config.Default()
	s.DeviceID = ""
	if _, err := Open(context.Background(), s, Options{Registry: registry()}); err == nil {
		t.Error("Open() without a device id should fail")
	}
	if _, err := Open(context.Background(), nil, Options{}); err == nil {
		t.Error("Open() without settings should fail")
	}
}
