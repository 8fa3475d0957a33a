// Package groups is the visibility group registry: which data partitions this
// device subscribes to and how far each one has been synchronized.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
)

// DefaultGroup is always subscribed.
const DefaultGroup = change.DefaultGroup

// ErrDefaultGroup is returned when unsubscribing the default group.
var ErrDefaultGroup = errors.New("the default group cannot be unsubscribed")

// Group is one subscribed visibility group.
type Group struct {
	Name            string        `json:"name" yaml:"name"`
	Tidemark        int64         `json:"tidemark" yaml:"tidemark"`
	LastPolled      time.Time     `json:"last_polled" yaml:"last_polled"`
	Frequency       time.Duration `json:"frequency" yaml:"frequency"`
	OutstandingData bool          `json:"outstanding_data" yaml:"outstanding_data"`
}

// Due reports whether the group should be polled at now. A zero frequency
// means defaultInterval. Outstanding data makes the group due immediately.
func (g Group) Due(now time.Time, defaultInterval time.Duration) bool {
	if g.OutstandingData || g.LastPolled.IsZero() {
		return true
	}
	freq := g.Frequency
	if freq <= 0 {
		freq = defaultInterval
	}
	return !now.Before(g.LastPolled.Add(freq))
}

// Registry caches the group table. Mutations go through the store's write
// lock so they never interleave with a commit or a merge pass.
type Registry struct {
	db     *db.DB
	lock   sync.Locker
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]Group
	stale bool
}

// Open loads the registry and makes sure the default group exists.
func Open(ctx context.Context, database *db.DB, writeLock sync.Locker, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{db: database, lock: writeLock, logger: logger.Named("groups"), stale: true}

	r.lock.Lock()
	err := database.WithTx(ctx, func(tx *db.Tx) error {
		_, err := tx.EnsureGroup(ctx, DefaultGroup)
		return err
	})
	r.lock.Unlock()
	if err != nil {
		return nil, err
	}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Subscribe creates the group or updates its frequency. It is idempotent
// and keeps an existing tidemark.
func (r *Registry) Subscribe(ctx context.Context, name string, freq time.Duration) error {
	if name == "" {
		return fmt.Errorf("group name is required")
	}
	if freq < 0 {
		return fmt.Errorf("frequency must not be negative")
	}
	r.lock.Lock()
	err := r.db.WithTx(ctx, func(tx *db.Tx) error {
		return tx.UpsertGroup(ctx, name, freq)
	})
	r.lock.Unlock()
	if err != nil {
		return err
	}
	r.invalidate()
	r.logger.Info("subscribed", zap.String("group", name), zap.Duration("frequency", freq))
	return nil
}

// EnsureSubscribedTx subscribes name inside an open transaction. The caller
// already holds the write lock. It reports whether the group was new.
func (r *Registry) EnsureSubscribedTx(ctx context.Context, tx *db.Tx, name string) (bool, error) {
	if r.Has(name) {
		return false, nil
	}
	inserted, err := tx.EnsureGroup(ctx, name)
	if err != nil {
		return false, err
	}
	// the transaction may still roll back, so re-read on next access
	r.invalidate()
	if inserted {
		r.logger.Info("auto-subscribed", zap.String("group", name))
	}
	return inserted, nil
}

// Unsubscribe removes the group, every entity tagged with it, and every
// unsent or deferred change of it, in one transaction. Subscribing again
// starts from tidemark zero.
func (r *Registry) Unsubscribe(ctx context.Context, name string) error {
	if name == DefaultGroup {
		return ErrDefaultGroup
	}
	var removed int64
	r.lock.Lock()
	err := r.db.WithTx(ctx, func(tx *db.Tx) error {
		found, err := tx.DeleteGroup(ctx, name)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("group %s: %w", name, db.ErrNotFound)
		}
		if removed, err = tx.DeleteGroupEntities(ctx, name); err != nil {
			return err
		}
		if err := tx.DeleteFieldClocksForGroup(ctx, name); err != nil {
			return err
		}
		if _, err := tx.DiscardChangesForGroup(ctx, name); err != nil {
			return err
		}
		if err := tx.DeleteDeferredForGroup(ctx, name); err != nil {
			return err
		}
		return tx.DeleteAppliedForGroup(ctx, name)
	})
	r.lock.Unlock()
	if err != nil {
		return err
	}
	r.invalidate()
	r.logger.Info("unsubscribed", zap.String("group", name), zap.Int64("entities_removed", removed))
	return nil
}

// List returns every subscribed group ordered by name.
func (r *Registry) List(ctx context.Context) ([]Group, error) {
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.cache))
	for _, g := range r.cache {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names returns the subscribed group names, sorted.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(list))
	for i, g := range list {
		names[i] = g.Name
	}
	return names, nil
}

// Get returns one group.
func (r *Registry) Get(ctx context.Context, name string) (Group, error) {
	if err := r.refresh(ctx); err != nil {
		return Group{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.cache[name]
	if !ok {
		return Group{}, fmt.Errorf("group %s: %w", name, db.ErrNotFound)
	}
	return g, nil
}

// Has reports whether name is subscribed according to the cache.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stale {
		// fall back to a direct read; callers inside a transaction still see
		// committed state
		_, err := r.db.Reader().GetGroup(context.Background(), name)
		return err == nil
	}
	_, ok := r.cache[name]
	return ok
}

// Due returns the groups that should be polled at now.
func (r *Registry) Due(ctx context.Context, now time.Time, defaultInterval time.Duration) ([]Group, error) {
	list, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var due []Group
	for _, g := range list {
		if g.Due(now, defaultInterval) {
			due = append(due, g)
		}
	}
	return due, nil
}

// Advance moves a group's tidemark forward inside tx. It never decreases.
func (r *Registry) Advance(ctx context.Context, tx *db.Tx, name string, tidemark int64) error {
	if err := tx.AdvanceTidemark(ctx, name, tidemark); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// MarkPolled records a completed poll inside tx.
func (r *Registry) MarkPolled(ctx context.Context, tx *db.Tx, name string, at time.Time, outstanding bool) error {
	if err := tx.MarkGroupPolled(ctx, name, at, outstanding); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

func (r *Registry) refresh(ctx context.Context) error {
	r.mu.RLock()
	stale := r.stale
	r.mu.RUnlock()
	if !stale {
		return nil
	}
	return r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) error {
	rows, err := r.db.Reader().ListGroups(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]Group, len(rows))
	for _, row := range rows {
		cache[row.Name] = Group{
			Name:            row.Name,
			Tidemark:        row.Tidemark,
			LastPolled:      row.LastPolled,
			Frequency:       row.Frequency,
			OutstandingData: row.Outstanding,
		}
	}
	r.mu.Lock()
	r.cache = cache
	r.stale = false
	r.mu.Unlock()
	return nil
}
