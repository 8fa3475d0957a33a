package exchange

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tidemark-sync/tidemark/internal/capture"
	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/groups"
	"github.com/tidemark-sync/tidemark/internal/merge"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/transport"
	"github.com/tidemark-sync/tidemark/internal/txn"
)

// fakeTransport returns scripted answers and remembers requests.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*transport.Request
	respond  func(req *transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) Exchange(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(req)
}

func (f *fakeTransport) setRespond(fn func(req *transport.Request) (*transport.Response, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeTransport) last() *transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	db       *db.DB
	note     *schema.Descriptor
	pipeline *txn.Pipeline
	groups   *groups.Registry
	env      *envelope.Envelope
	events   *events.Hub[events.Event]
	fake     *fakeTransport
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "exchange.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	reg := schema.NewRegistry()
	reg.MustRegister(schema.Descriptor{
		Name: "note", Key: schema.KeyGUID,
		Properties: []schema.Property{
			{Name: "title", Type: schema.Text},
			{Name: "views", Type: schema.Integer, Default: 0},
		},
		Capabilities: schema.Syncable,
	})

	clock := change.NewClock(0, nil)
	env := envelope.New(envelope.Plain{})
	hub := events.NewHub[events.Event]()
	p := txn.New(database, reg, txn.Options{Recorder: capture.New(clock, env, "dev-a", nil)})
	g, err := groups.Open(ctx, database, p.WriteLock(), nil)
	if err != nil {
		t.Fatalf("groups.Open() failed: %v", err)
	}

	fake := &fakeTransport{respond: func(*transport.Request) (*transport.Response, error) {
		return &transport.Response{}, nil
	}}
	cfg := DefaultConfig()
	cfg.DeviceID = "dev-a"
	cfg.AppKey = "app"
	cfg.Extra = map[string]string{"build": "test"}
	eng, err := NewWithConfig(Deps{
		DB:        database,
		Groups:    g,
		Resolver:  merge.New(reg, clock, merge.Options{}),
		Envelope:  env,
		Transport: fake,
		Lock:      p,
		Events:    hub,
	}, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	h := &harness{db: database, pipeline: p, groups: g, env: env, events: hub, fake: fake, engine: eng}
	h.note, _ = reg.Lookup("note")
	return h
}

func (h *harness) commitNote(t *testing.T, title string) *entity.Entity {
	t.Helper()
	n := entity.New(h.note)
	if err := n.Set("title", title); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := h.pipeline.Commit(context.Background(), n, false); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return n
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.db.Reader().PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	return n
}

func (h *harness) tidemark(t *testing.T, group string) int64 {
	t.Helper()
	g, err := h.groups.Get(context.Background(), group)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", group, err)
	}
	return g.Tidemark
}

func (h *harness) sealed(t *testing.T, v any) []byte {
	t.Helper()
	b, err := h.env.Seal(v)
	if err != nil {
		t.Fatalf("Seal(%v) failed: %v", v, err)
	}
	return b
}

func (h *harness) fields(t *testing.T, id string) map[string]any {
	t.Helper()
	row, err := h.db.Reader().GetEntity(context.Background(), "note", id)
	if err != nil {
		t.Fatalf("GetEntity(note, %s) failed: %v", id, err)
	}
	fields, err := entity.DecodeFields(row.Fields)
	if err != nil {
		t.Fatalf("DecodeFields() failed: %v", err)
	}
	return fields
}

func (h *harness) exists(t *testing.T, id string) bool {
	t.Helper()
	ok, err := h.db.Reader().EntityExists(context.Background(), "note", id)
	if err != nil {
		t.Fatalf("EntityExists() failed: %v", err)
	}
	return ok
}

func (h *harness) subscribe(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := h.groups.Subscribe(context.Background(), name, 0); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", name, err)
		}
	}
}

func remote(id, recordID string, op change.Op, prop string, ts int64, value []byte, seq int64) transport.Change {
	return transport.Change{
		Record: change.Record{
			ID: id, Entity: "note", RecordID: recordID, Property: prop, Op: op,
			Timestamp: ts, Device: "dev-b", Group: change.DefaultGroup, Value: value,
		},
		Seq: seq,
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Idle, BuildingRequest, true},
		{BuildingRequest, AwaitingResponse, true},
		{AwaitingResponse, ApplyingChanges, true},
		{ApplyingChanges, Idle, true},
		{AwaitingResponse, Failed, true},
		{Failed, Idle, true},
		{Idle, ApplyingChanges, false},
		{Idle, Failed, false},
		{Failed, BuildingRequest, false},
		{ApplyingChanges, AwaitingResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := tt.from.validateTransitionTo(tt.to)
			if tt.ok && err != nil {
				t.Errorf("validateTransitionTo() failed: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("validateTransitionTo() should fail")
			}
		})
	}
}

func TestNextBackoff(t *testing.T) {
	lo, hi := time.Second, 5*time.Second
	var got []time.Duration
	cur := time.Duration(0)
	for i := 0; i < 5; i++ {
		cur = nextBackoff(cur, lo, hi)
		got = append(got, cur)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("backoff sequence = %v, want %v", got, want)
	}
}

func TestSetDefaultInterval(t *testing.T) {
	h := newHarness(t)
	if got := h.engine.DefaultInterval(); got != 30*time.Second {
		t.Errorf("DefaultInterval() = %v, want 30s", got)
	}
	h.engine.SetDefaultInterval(time.Minute)
	if got := h.engine.DefaultInterval(); got != time.Minute {
		t.Errorf("DefaultInterval() = %v, want 1m", got)
	}
	h.engine.SetDefaultInterval(0)
	if got := h.engine.DefaultInterval(); got != 30*time.Second {
		t.Errorf("DefaultInterval() after reset = %v, want 30s", got)
	}
}

func TestSyncNow_TransportFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.commitNote(t, "offline")
	// create plus one set per populated field
	if n := h.pending(t); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	err := h.pipeline.WithWriteLock(func() error {
		return h.db.WithTx(ctx, func(tx *db.Tx) error { return h.groups.Advance(ctx, tx, change.DefaultGroup, 5) })
	})
	if err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}

	sub := h.engine.Subscribe(4)
	defer sub.Close()

	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		return nil, &TransportError{Status: 503, Err: errors.New("unavailable")}
	})
	rep, err := h.engine.SyncNow(ctx)
	if err == nil {
		t.Fatal("SyncNow() should fail")
	}
	if !rep.IsTransient() {
		t.Error("503 should be transient")
	}
	if s := h.engine.State(); s != Idle {
		t.Errorf("State() = %v, want Idle", s)
	}
	// the queue is kept until the service accepts it
	if n := h.pending(t); n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}
	if tm := h.tidemark(t, change.DefaultGroup); tm != 5 {
		t.Errorf("tidemark = %d, want 5", tm)
	}

	select {
	case got := <-sub.C:
		if got != rep {
			t.Error("published report differs from the returned one")
		}
	case <-time.After(time.Second):
		t.Fatal("no report published")
	}
}

func TestSyncNow_ProtocolError(t *testing.T) {
	h := newHarness(t)
	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		bad := remote("r1", "n1", change.Create, "", 10, nil, 1)
		bad.Group = "elsewhere"
		return &transport.Response{Groups: map[string]transport.GroupChanges{
			change.DefaultGroup: {Tidemark: 9, Changes: []transport.Change{bad}},
		}}, nil
	})
	rep, err := h.engine.SyncNow(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("SyncNow() error = %v, want ProtocolError", err)
	}
	if rep.IsTransient() {
		t.Error("protocol errors are not transient")
	}
	if tm := h.tidemark(t, change.DefaultGroup); tm != 0 {
		t.Errorf("tidemark = %d, want 0", tm)
	}
}

// TestSyncNow_EmptyResponse tests that a transport answering with neither a
// response nor an error fails the round instead of crashing it.
func TestSyncNow_EmptyResponse(t *testing.T) {
	h := newHarness(t)
	h.commitNote(t, "kept")
	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		return nil, nil
	})

	rep, err := h.engine.SyncNow(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("SyncNow() error = %v, want ProtocolError", err)
	}
	if rep.IsTransient() {
		t.Error("an empty response is not transient")
	}
	if s := h.engine.State(); s != Idle {
		t.Errorf("State() = %v, want Idle", s)
	}
	if n := h.pending(t); n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}
}

func TestSyncNow_AppliesRemoteChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.commitNote(t, "mine")

	remoteEvents := h.events.Subscribe(10, func(ev events.Event) bool { return ev.Remote })
	defer remoteEvents.Close()

	h.fake.setRespond(func(req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Groups: map[string]transport.GroupChanges{
			change.DefaultGroup: {Tidemark: 2, More: true, Changes: []transport.Change{
				// delivered out of order on purpose
				remote("r2", "n9", change.Set, "title", 20, h.sealed(t, "theirs"), 4),
				remote("r1", "n9", change.Create, "", 10, nil, 3),
			}},
		}}, nil
	})

	rep, err := h.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	req := h.fake.last()
	if req.DeviceID != "dev-a" || req.AppKey != "app" || req.Extra["build"] != "test" {
		t.Errorf("request header = %q %q %v", req.DeviceID, req.AppKey, req.Extra)
	}
	if len(req.Changes) != 3 {
		t.Errorf("request carried %d changes, want 3", len(req.Changes))
	}
	summary, ok := req.Groups[change.DefaultGroup]
	if !ok {
		t.Fatalf("request has no summary for %s", change.DefaultGroup)
	}
	if len(summary.Hash) != 16 {
		t.Errorf("summary hash = %q, want 16 hex digits", summary.Hash)
	}

	if rep.Sent != 3 || rep.Applied != 2 {
		t.Errorf("Sent = %d, Applied = %d, want 3 and 2", rep.Sent, rep.Applied)
	}
	if got := rep.Entities(); !reflect.DeepEqual(got, []string{"note"}) {
		t.Errorf("Entities() = %v, want [note]", got)
	}
	if got := rep.PrimaryKeys("note"); !reflect.DeepEqual(got, []string{"n9"}) {
		t.Errorf("PrimaryKeys() = %v, want [n9]", got)
	}
	if n := h.pending(t); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if got := h.fields(t, "n9")["title"]; got != "theirs" {
		t.Errorf("title = %v, want theirs", got)
	}

	g, err := h.groups.Get(ctx, change.DefaultGroup)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	// the tidemark covers the highest sequence delivered
	if g.Tidemark != 4 {
		t.Errorf("tidemark = %d, want 4", g.Tidemark)
	}
	if !g.OutstandingData || g.LastPolled.IsZero() {
		t.Errorf("group = %+v, want outstanding data and a poll time", g)
	}

	var kinds []events.Kind
	for i := 0; i < 2; i++ {
		select {
		case ev := <-remoteEvents.C:
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing remote event")
		}
	}
	if want := []events.Kind{events.Insert, events.Update}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}

	// the next summary reflects the new row
	if _, err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow() failed: %v", err)
	}
	if h.fake.last().Groups[change.DefaultGroup].Hash == summary.Hash {
		t.Error("summary hash unchanged after a row was added")
	}
}

func TestSyncNow_TidemarkNeverDecreases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var mu sync.Mutex
	tm := int64(10)
	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		return &transport.Response{Groups: map[string]transport.GroupChanges{
			change.DefaultGroup: {Tidemark: tm},
		}}, nil
	})
	if _, err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if got := h.tidemark(t, change.DefaultGroup); got != 10 {
		t.Errorf("tidemark = %d, want 10", got)
	}

	mu.Lock()
	tm = 3
	mu.Unlock()
	if _, err := h.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if got := h.tidemark(t, change.DefaultGroup); got != 10 {
		t.Errorf("tidemark = %d after a lower answer, want 10", got)
	}
}

func TestSyncNow_SkipsUndecryptable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inc := remote("r3", "n2", change.Increment, "views", 30, h.sealed(t, int64(1)), 7)
	// already counted once
	err := h.db.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.MarkApplied(ctx, inc.ID, inc.Group, inc.Timestamp)
		return err
	})
	if err != nil {
		t.Fatalf("MarkApplied() failed: %v", err)
	}
	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		return &transport.Response{Groups: map[string]transport.GroupChanges{
			change.DefaultGroup: {Changes: []transport.Change{
				remote("r1", "n2", change.Create, "", 10, nil, 5),
				remote("r2", "n2", change.Set, "title", 20, []byte{0x7f, 1, 2}, 6),
				inc,
			}},
		}}, nil
	})

	rep, err := h.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if rep.Applied != 1 || rep.Duplicate != 1 {
		t.Errorf("Applied = %d, Duplicate = %d, want 1 and 1", rep.Applied, rep.Duplicate)
	}
	if len(rep.Integrity) != 1 {
		t.Fatalf("Integrity = %v, want one entry", rep.Integrity)
	}
	var encErr *envelope.EncryptionError
	if !errors.As(rep.Integrity[0], &encErr) {
		t.Errorf("Integrity[0] = %v, want EncryptionError", rep.Integrity[0])
	}
	// the tidemark still covers the skipped record
	if tm := h.tidemark(t, change.DefaultGroup); tm != 7 {
		t.Errorf("tidemark = %d, want 7", tm)
	}
	if got := h.fields(t, "n2")["views"]; got != int64(0) {
		t.Errorf("views = %v, want 0", got)
	}
}

// TestSyncNow_OwnRecordsComeBackAsDuplicates tests that the service handing
// this device its own records leaves the local rows untouched.
func TestSyncNow_OwnRecordsComeBackAsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.commitNote(t, "mine")
	if err := n.Increment("views", 2); err != nil {
		t.Fatalf("Increment() failed: %v", err)
	}
	if err := h.pipeline.Commit(ctx, n, false); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	id := n.Key().String()

	h.fake.setRespond(func(req *transport.Request) (*transport.Response, error) {
		gc := transport.GroupChanges{Tidemark: int64(len(req.Changes))}
		for i, r := range req.Changes {
			gc.Changes = append(gc.Changes, transport.Change{Record: r, Seq: int64(i + 1)})
		}
		return &transport.Response{Groups: map[string]transport.GroupChanges{change.DefaultGroup: gc}}, nil
	})

	remoteEvents := h.events.Subscribe(10, func(ev events.Event) bool { return ev.Remote })
	defer remoteEvents.Close()

	rep, err := h.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	// create, title, views and the increment
	if rep.Sent != 4 || rep.Duplicate != 4 || rep.Applied != 0 {
		t.Errorf("Sent = %d, Duplicate = %d, Applied = %d, want 4, 4 and 0", rep.Sent, rep.Duplicate, rep.Applied)
	}
	f := h.fields(t, id)
	if f["title"] != "mine" || f["views"] != int64(2) {
		t.Errorf("fields = %v, want title mine and views 2", f)
	}
	select {
	case ev := <-remoteEvents.C:
		t.Errorf("unexpected remote event %+v", ev)
	default:
	}
}

// switchLock runs a hook after the first write-locked section returns.
type switchLock struct {
	inner WriteLocker
	once  sync.Once
	after func()
}

func (l *switchLock) WithWriteLock(fn func() error) error {
	err := l.inner.WithWriteLock(fn)
	l.once.Do(l.after)
	return err
}

// TestScheduler_StopBetweenGroups tests that a stop requested while one
// group is being merged lets that group commit and leaves the next one for
// a later round.
func TestScheduler_StopBetweenGroups(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "alpha", "beta")
	h.engine.config.TickInterval = 10 * time.Millisecond

	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		a := remote("ra", "a1", change.Create, "", 10, nil, 5)
		a.Group = "alpha"
		b := remote("rb", "b1", change.Create, "", 11, nil, 6)
		b.Group = "beta"
		return &transport.Response{Groups: map[string]transport.GroupChanges{
			"alpha": {Tidemark: 5, Changes: []transport.Change{a}},
			"beta":  {Tidemark: 6, Changes: []transport.Change{b}},
		}}, nil
	})

	stopped := make(chan struct{})
	h.engine.deps.Lock = &switchLock{inner: h.pipeline, after: func() {
		go func() {
			h.engine.Stop()
			close(stopped)
		}()
		deadline := time.Now().Add(2 * time.Second)
		for !h.engine.stopping.Load() {
			if time.Now().After(deadline) {
				t.Error("stop was never requested")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}}

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if h.engine.Running() {
		t.Error("scheduler still running after Stop()")
	}
	if tm := h.tidemark(t, "alpha"); tm != 5 {
		t.Errorf("alpha tidemark = %d, want 5", tm)
	}
	if !h.exists(t, "a1") {
		t.Error("alpha row missing")
	}
	if tm := h.tidemark(t, "beta"); tm != 0 {
		t.Errorf("beta tidemark = %d, want 0", tm)
	}
	if h.exists(t, "b1") {
		t.Error("beta row applied after stop")
	}
}

// TestScheduler_Backoff tests that failed rounds delay the next tick, that a
// success resets the delay and that a tick during an explicit SyncNow does
// nothing.
func TestScheduler_Backoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.engine.config.Now = func() time.Time { return now }

	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		return nil, &TransportError{Status: 503, Err: errors.New("unavailable")}
	})

	h.engine.tick(ctx)
	if n := h.fake.count(); n != 1 {
		t.Fatalf("requests = %d after first tick, want 1", n)
	}
	if h.engine.backoff != time.Second {
		t.Errorf("backoff = %v, want 1s", h.engine.backoff)
	}

	// still inside the retry window
	h.engine.tick(ctx)
	if n := h.fake.count(); n != 1 {
		t.Errorf("requests = %d during backoff, want 1", n)
	}

	now = now.Add(time.Second)
	h.engine.tick(ctx)
	if n := h.fake.count(); n != 2 {
		t.Errorf("requests = %d after the window, want 2", n)
	}
	if h.engine.backoff != 2*time.Second {
		t.Errorf("backoff = %v, want 2s", h.engine.backoff)
	}

	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		return &transport.Response{}, nil
	})
	now = now.Add(2 * time.Second)
	h.engine.tick(ctx)
	if n := h.fake.count(); n != 3 {
		t.Errorf("requests = %d after recovery, want 3", n)
	}
	if h.engine.backoff != 0 || !h.engine.retryAfter.IsZero() {
		t.Errorf("backoff = %v, retryAfter = %v, want both reset", h.engine.backoff, h.engine.retryAfter)
	}

	// due again, but an explicit round is already in flight
	now = now.Add(time.Hour)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.fake.setRespond(func(*transport.Request) (*transport.Response, error) {
		close(entered)
		<-release
		return &transport.Response{}, nil
	})
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SyncNow(ctx)
		done <- err
	}()
	<-entered

	ticked := make(chan struct{})
	go func() {
		h.engine.tick(ctx)
		close(ticked)
	}()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Error("tick waited on the round in flight")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	<-ticked
	if n := h.fake.count(); n != 4 {
		t.Errorf("requests = %d, want 4", n)
	}
}

func TestScheduler_RunsDueGroupsAndStops(t *testing.T) {
	h := newHarness(t)
	h.engine.config.TickInterval = 10 * time.Millisecond

	sub := h.engine.Subscribe(4)
	defer sub.Close()

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !h.engine.Running() {
		t.Error("Running() = false after Start()")
	}
	if err := h.engine.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	select {
	case rep := <-sub.C:
		if rep.Err != nil {
			t.Errorf("round failed: %v", rep.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run a round")
	}

	h.engine.Stop()
	if h.engine.Running() {
		t.Error("Running() = true after Stop()")
	}
	if s := h.engine.State(); s != Idle {
		t.Errorf("State() = %v, want Idle", s)
	}
}

func TestReport_EntitiesSorted(t *testing.T) {
	rep := &Report{}
	rep.touch("task", "2")
	rep.touch("note", "1")
	rep.touch("task", "1")
	got := rep.Entities()
	if !sort.StringsAreSorted(got) || len(got) != 2 {
		t.Errorf("Entities() = %v, want [note task]", got)
	}
}
