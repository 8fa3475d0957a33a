// Package store is the entry point of tidemark: one Store owns the database,
// the settings, the group registry, the commit pipeline and the sync engine
// of a device, and every operation goes through it.
//
//	s, err := store.Open(ctx, settings, store.Options{})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	note, _ := s.New("note")
//	_ = note.Set("title", "groceries")
//	err = s.Commit(ctx, note)
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/capture"
	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/config"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/exchange"
	"github.com/tidemark-sync/tidemark/internal/groups"
	"github.com/tidemark-sync/tidemark/internal/merge"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/transport"
	"github.com/tidemark-sync/tidemark/internal/txn"
)

// ErrNotFound is returned by Get for a missing entity.
var ErrNotFound = db.ErrNotFound

// Options supply collaborators that are not part of the settings file.
type Options struct {
	// Registry overrides the entity types declared in the settings.
	Registry *schema.Registry
	// Transport overrides the HTTP client built from ServiceURL.
	Transport exchange.Transport
	Logger    *zap.Logger
	Now       func() time.Time
}

// Store is an open device store.
type Store struct {
	settings *config.Settings
	registry *schema.Registry
	logger   *zap.Logger

	db       *db.DB
	clock    *change.Clock
	envelope *envelope.Envelope
	codec    *entity.FieldCodec
	pipeline *txn.Pipeline
	groups   *groups.Registry
	engine   *exchange.Engine
	events   *events.Hub[events.Event]

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store described by settings.
func Open(ctx context.Context, settings *config.Settings, opts Options) (*Store, error) {
	if settings == nil {
		return nil, errors.New("settings are required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("device", settings.DeviceID))

	registry := opts.Registry
	if registry == nil {
		reg, err := settings.Registry()
		if err != nil {
			return nil, err
		}
		registry = reg
	} else if err := registry.Validate(); err != nil {
		return nil, err
	}

	env, err := newEnvelope(settings)
	if err != nil {
		return nil, err
	}
	if settings.EncryptionKey == "" && settings.Encrypt == nil {
		for _, name := range registry.Names() {
			if d, _ := registry.Lookup(name); d != nil && d.Encrypted() {
				return nil, fmt.Errorf("entity %s has encrypted properties but no encryption key is configured", name)
			}
		}
	}
	codec := entity.NewFieldCodec(env)

	database, err := db.OpenContext(ctx, settings.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	seed, err := database.Reader().MaxTimestamp(ctx)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	s := &Store{
		settings: settings,
		registry: registry,
		logger:   logger,
		db:       database,
		clock:    change.NewClock(seed, opts.Now),
		envelope: env,
		codec:    codec,
		events:   events.NewHub[events.Event](),
	}

	s.pipeline = txn.New(database, registry, txn.Options{
		Recorder: capture.New(s.clock, env, settings.DeviceID, logger),
		Events:   s.events,
		OnGroup:  s.onGroup,
		Codec:    codec,
		Logger:   logger,
		Now:      opts.Now,
	})

	s.groups, err = groups.Open(ctx, database, s.pipeline.WriteLock(), logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	tr := opts.Transport
	if tr == nil && settings.SyncEnabled() {
		tr = transport.NewClient(settings.ServiceURL)
	}
	cfg := exchange.DefaultConfig()
	cfg.DeviceID = settings.DeviceID
	cfg.AppKey = settings.ApplicationKey
	cfg.AccountKey = settings.AccountKey
	cfg.Extra = settings.ExtraPostValues
	cfg.DefaultInterval = settings.PollInterval
	cfg.BatchSize = settings.BatchSize
	cfg.Logger = logger
	if opts.Now != nil {
		cfg.Now = opts.Now
	}
	s.engine, err = exchange.NewWithConfig(exchange.Deps{
		DB:        database,
		Groups:    s.groups,
		Resolver:  merge.New(registry, s.clock, merge.Options{MaxRetries: settings.MaxDeferredRetries, Codec: codec, Logger: logger}),
		Envelope:  env,
		Transport: tr,
		Lock:      s.pipeline,
		Events:    s.events,
	}, cfg)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	logger.Info("store opened",
		zap.String("path", settings.DatabasePath),
		zap.Strings("entities", registry.Names()),
		zap.Bool("sync", tr != nil))
	return s, nil
}

func newEnvelope(s *config.Settings) (*envelope.Envelope, error) {
	var legacy []envelope.Cipher
	if s.AcceptPlaintext {
		legacy = append(legacy, envelope.Plain{})
	}
	switch {
	case s.Encrypt != nil:
		return envelope.New(envelope.HookCipher{EncryptFunc: s.Encrypt, DecryptFunc: s.Decrypt}, legacy...), nil
	case s.EncryptionKey != "":
		c, err := envelope.NewAESCipher(s.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return envelope.New(c, legacy...), nil
	default:
		return envelope.New(envelope.Plain{}), nil
	}
}

// onGroup runs inside every commit for each group written to.
func (s *Store) onGroup(ctx context.Context, tx *db.Tx, group string) error {
	if !s.settings.AutoSubscribe {
		return nil
	}
	_, err := s.groups.EnsureSubscribedTx(ctx, tx, group)
	return err
}

// Close stops synchronisation, waits for a running commit and closes the
// database. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Close()
		s.pipeline.Close()
		s.events.Close()
		s.closeErr = s.db.Close()
		s.logger.Info("store closed")
	})
	return s.closeErr
}

// Settings returns the settings the store was opened with.
func (s *Store) Settings() *config.Settings { return s.settings }

// Registry returns the entity types known to the store.
func (s *Store) Registry() *schema.Registry { return s.registry }

// DB exposes the underlying database for tooling such as export.
func (s *Store) DB() *db.DB { return s.db }

// New returns an empty, uncommitted entity of entityType with its defaults.
func (s *Store) New(entityType string) (*entity.Entity, error) {
	d, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	return entity.New(d), nil
}

// Get loads one entity.
func (s *Store) Get(ctx context.Context, entityType, id string) (*entity.Entity, error) {
	d, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	row, err := s.db.Reader().GetEntity(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	return s.load(d, row)
}

// List loads every entity of entityType, restricted to group when it is not
// empty.
func (s *Store) List(ctx context.Context, entityType, group string) ([]*entity.Entity, error) {
	d, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Reader().ListEntities(ctx, entityType, group)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := s.load(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) load(d *schema.Descriptor, row *db.Row) (*entity.Entity, error) {
	key, err := entity.ParseKey(d.Key, row.ID)
	if err != nil {
		return nil, fmt.Errorf("entity %s/%s: %w", row.Entity, row.ID, err)
	}
	fields, err := s.codec.Decode(d, row.Fields)
	if err != nil {
		return nil, fmt.Errorf("entity %s/%s: %w", row.Entity, row.ID, err)
	}
	return entity.Load(d, key, row.Group, fields), nil
}

// Commit writes e and, first, every referenced entity that is new or
// changed. Nothing is written if any part fails.
func (s *Store) Commit(ctx context.Context, e *entity.Entity) error {
	return s.pipeline.Commit(ctx, e, true)
}

// Committed reports whether a Commit, Remove or Transaction error means the
// write went through. Precondition rejections and storage failures both
// leave the store unchanged.
func Committed(err error) bool {
	return err == nil
}

// CommitShallow writes e alone. Referenced entities must already be stored.
func (s *Store) CommitShallow(ctx context.Context, e *entity.Entity) error {
	return s.pipeline.Commit(ctx, e, false)
}

// Remove deletes e.
func (s *Store) Remove(ctx context.Context, e *entity.Entity) error {
	return s.pipeline.Remove(ctx, e)
}

// Transaction commits every write fn plans on the batch atomically. If fn
// returns an error nothing is written.
func (s *Store) Transaction(ctx context.Context, fn func(*txn.Batch) error) error {
	return s.pipeline.Transaction(ctx, fn)
}

// SetHooks registers lifecycle hooks for an entity type declared with the
// hooks capability.
func (s *Store) SetHooks(entityType string, h txn.Hooks) error {
	return s.pipeline.SetHooks(entityType, h)
}

// OnError registers a function called with every failed commit.
func (s *Store) OnError(fn func(*txn.CommitError)) {
	s.pipeline.OnError(fn)
}

// Subscribe returns a handle receiving entity events whose kind is in kinds,
// limited to the given entity types when any are listed. Close the handle
// to unregister.
func (s *Store) Subscribe(kinds events.Kind, entityTypes ...string) *events.Subscription[events.Event] {
	return s.events.Subscribe(events.DefaultBuffer, events.Mask(kinds, entityTypes...))
}

// SubscribeGroup starts receiving the entities of a visibility group. A zero
// frequency polls at the default interval.
func (s *Store) SubscribeGroup(ctx context.Context, name string, frequency time.Duration) error {
	return s.groups.Subscribe(ctx, name, frequency)
}

// UnsubscribeGroup stops receiving a group and deletes its local entities
// along with any unsent changes to them.
func (s *Store) UnsubscribeGroup(ctx context.Context, name string) error {
	return s.groups.Unsubscribe(ctx, name)
}

// CurrentGroups lists the subscribed groups.
func (s *Store) CurrentGroups(ctx context.Context) ([]groups.Group, error) {
	return s.groups.List(ctx)
}

// StartSync starts background synchronisation.
func (s *Store) StartSync(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// StopSync stops background synchronisation. A group being merged is
// completed first.
func (s *Store) StopSync() {
	s.engine.Stop()
}

// SyncNow runs one exchange round and waits for it.
func (s *Store) SyncNow(ctx context.Context) (*exchange.Report, error) {
	return s.engine.SyncNow(ctx)
}

// OnSync returns a handle receiving one report per completed round.
func (s *Store) OnSync() *events.Subscription[*exchange.Report] {
	return s.engine.Subscribe(0)
}

// SetPollInterval changes the poll interval of groups subscribed without a
// frequency while sync runs.
func (s *Store) SetPollInterval(d time.Duration) {
	s.engine.SetDefaultInterval(d)
}

// SyncState returns the state of the exchange engine.
func (s *Store) SyncState() exchange.State {
	return s.engine.State()
}

// PendingChanges returns up to limit unsent change records, oldest first.
// A limit of zero returns all of them.
func (s *Store) PendingChanges(ctx context.Context, limit int) ([]change.Record, error) {
	return s.db.Reader().PendingChanges(ctx, limit)
}

// Status summarises the local state.
type Status struct {
	DeviceID string
	Entities map[string]int
	Pending  int
	Deferred int
	Groups   []groups.Group
	Sync     exchange.State
}

// Status collects counts for display.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	r := s.db.Reader()
	counts, err := r.CountEntities(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	deferred, err := r.DeferredCount(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.groups.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		DeviceID: s.settings.DeviceID,
		Entities: counts,
		Pending:  pending,
		Deferred: deferred,
		Groups:   list,
		Sync:     s.engine.State(),
	}, nil
}
