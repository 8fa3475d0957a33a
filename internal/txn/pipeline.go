package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/events"
	"github.com/tidemark-sync/tidemark/internal/schema"
)

// Recorder is invoked for every executed element inside the SQL transaction.
// Records it writes commit or roll back together with the entity rows.
type Recorder interface {
	Record(ctx context.Context, tx *db.Tx, el *Element) error
}

// Options configures a Pipeline.
type Options struct {
	Recorder Recorder
	Events   *events.Hub[events.Event]
	// OnGroup runs inside the transaction for every group an element
	// writes to. The store uses it to auto-subscribe.
	OnGroup func(ctx context.Context, tx *db.Tx, group string) error
	// Codec encodes stored fields. Nil stores them in the clear.
	Codec  *entity.FieldCodec
	Logger *zap.Logger
	Now    func() time.Time
}

// Pipeline executes transaction groups. It owns the per-database write lock:
// every write to the store, local or merged from remote, holds it.
type Pipeline struct {
	db       *db.DB
	registry *schema.Registry
	opts     Options
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool

	hooksMu sync.RWMutex
	hooks   map[string]Hooks
	onError func(*CommitError)
}

// New returns a pipeline writing to database.
func New(database *db.DB, registry *schema.Registry, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		db:       database,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.Named("txn"),
		hooks:    make(map[string]Hooks),
	}
}

// SetHooks registers lifecycle hooks for an entity type. The type must carry
// the schema.Hooks capability. Passing nil removes them.
func (p *Pipeline) SetHooks(entityType string, h Hooks) error {
	d, err := p.registry.Lookup(entityType)
	if err != nil {
		return err
	}
	if !d.Has(schema.Hooks) {
		return fmt.Errorf("entity %s does not declare the hooks capability", entityType)
	}
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	if h == nil {
		delete(p.hooks, entityType)
	} else {
		p.hooks[entityType] = h
	}
	return nil
}

// OnError registers a callback receiving every failed commit.
func (p *Pipeline) OnError(fn func(*CommitError)) {
	p.hooksMu.Lock()
	p.onError = fn
	p.hooksMu.Unlock()
}

// WriteLock returns the lock serializing all writes.
func (p *Pipeline) WriteLock() sync.Locker { return &p.mu }

// WithWriteLock runs fn while holding the write lock.
func (p *Pipeline) WithWriteLock(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return fn()
}

// Close waits for the running commit and rejects later ones.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Commit writes e. With cascade, referenced entities that are new or changed
// are committed first in the same transaction.
func (p *Pipeline) Commit(ctx context.Context, e *entity.Entity, cascade bool) error {
	b := p.NewBatch()
	if err := b.Commit(e, cascade); err != nil {
		return err
	}
	return b.Execute(ctx)
}

// Remove deletes e.
func (p *Pipeline) Remove(ctx context.Context, e *entity.Entity) error {
	b := p.NewBatch()
	if err := b.Remove(e); err != nil {
		return err
	}
	return b.Execute(ctx)
}

// Transaction collects the writes made by fn into one group and executes it.
// If fn returns an error nothing is written.
func (p *Pipeline) Transaction(ctx context.Context, fn func(*Batch) error) error {
	b := p.NewBatch()
	if err := fn(b); err != nil {
		b.group.Close()
		return err
	}
	return b.Execute(ctx)
}

// Execute runs a group built by hand.
func (p *Pipeline) Execute(ctx context.Context, g *Group, chain *Chain) error {
	if chain == nil {
		chain = NewChain()
		for _, el := range g.Elements() {
			chain.Visit(el.Entity)
			chain.bind(el.Entity, el)
		}
	}
	g.Close()
	if g.Len() == 0 {
		return nil
	}

	for _, el := range g.Elements() {
		if h := p.hooksFor(el.Entity); h != nil && !will(h, el) {
			return p.fail(&CommitError{Reason: ReasonPrecondition, Element: el, Err: ErrPrecondition})
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	snapshots := make(map[*entity.Entity]entity.Snapshot, chain.Len())
	for e := range chain.seen.Iter() {
		snapshots[e] = e.Snapshot()
	}
	for _, deps := range chain.dependents {
		for _, d := range deps {
			if _, ok := snapshots[d.child]; !ok {
				snapshots[d.child] = d.child.Snapshot()
			}
		}
	}

	failed, err := p.run(ctx, g, chain)
	if err != nil {
		for e, s := range snapshots {
			e.Restore(s)
		}
		p.mu.Unlock()
		return p.fail(&CommitError{Reason: ReasonStorage, Element: failed, Err: err})
	}

	for _, el := range g.Elements() {
		if el.Statement == Delete {
			el.Entity.MarkRemoved()
		} else {
			el.Entity.MarkCommitted(el.stored)
		}
	}
	p.mu.Unlock()

	for _, el := range g.Elements() {
		if h := p.hooksFor(el.Entity); h != nil {
			did(h, el)
		}
		if p.opts.Events != nil {
			p.opts.Events.Publish(events.Event{
				Kind:     el.Event,
				Entity:   el.Entity.Type(),
				RecordID: el.RecordID,
				Group:    el.Group,
			})
		}
	}
	p.logger.Debug("committed group",
		zap.Int("elements", g.Len()),
		zap.Strings("databases", g.Databases()))
	return nil
}

func (p *Pipeline) run(ctx context.Context, g *Group, chain *Chain) (*Element, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	groups := make(map[string]bool)
	// g.elements may grow with follow-up updates while iterating.
	for i := 0; i < len(g.elements); i++ {
		el := g.elements[i]
		if err := ctx.Err(); err != nil {
			return el, err
		}
		if err := p.exec(ctx, tx, g, chain, el); err != nil {
			return el, err
		}
		chain.markExecuted(el)

		if el.Statement != Delete && !groups[el.Group] && p.opts.OnGroup != nil {
			if err := p.opts.OnGroup(ctx, tx, el.Group); err != nil {
				return el, err
			}
			groups[el.Group] = true
		}
		if p.opts.Recorder != nil {
			if err := p.opts.Recorder.Record(ctx, tx, el); err != nil {
				return el, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Pipeline) exec(ctx context.Context, tx *db.Tx, g *Group, chain *Chain, el *Element) error {
	e := el.Entity
	d := e.Descriptor()
	now := p.opts.Now().UnixMicro()

	switch el.Statement {
	case Insert:
		if e.Key().IsZero() {
			key, err := p.assignKey(ctx, tx, d)
			if err != nil {
				return err
			}
			e.SetKey(key)
			followUps, err := chain.patch(e)
			if err != nil {
				return err
			}
			for _, f := range followUps {
				f.Database = f.Entity.Descriptor().Database
				f.Event = Update.Event()
				g.appendFollowUp(f)
				chain.bind(f.Entity, f)
			}
		}
		el.RecordID = e.Key().String()
		el.Group = e.Group()
		el.stored = e.Fields()
		data, err := p.opts.Codec.Encode(d, el.stored)
		if err != nil {
			return err
		}
		return tx.InsertEntity(ctx, &db.Row{
			Entity: d.Name, ID: el.RecordID, Group: el.Group, Fields: data, UpdatedAt: now,
		})

	case Update:
		el.RecordID = e.Key().String()
		row, err := tx.GetEntity(ctx, d.Name, el.RecordID)
		if err != nil {
			return err
		}
		el.Group = row.Group
		fields, err := p.opts.Codec.Decode(d, row.Fields)
		if err != nil {
			return err
		}
		for k, v := range el.Params {
			if v == nil {
				delete(fields, k)
			} else {
				fields[k] = v
			}
		}
		for k, delta := range el.Deltas {
			fields[k] = addNumber(fields[k], delta)
		}
		el.stored = fields
		data, err := p.opts.Codec.Encode(d, fields)
		if err != nil {
			return err
		}
		return tx.UpdateEntity(ctx, &db.Row{Entity: d.Name, ID: el.RecordID, Fields: data, UpdatedAt: now})

	case Delete:
		el.RecordID = e.Key().String()
		el.Group = e.Group()
		found, err := tx.DeleteEntity(ctx, d.Name, el.RecordID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("entity %s/%s: %w", d.Name, el.RecordID, db.ErrNotFound)
		}
		return tx.DeleteFieldClocks(ctx, d.Name, el.RecordID)
	}
	return fmt.Errorf("unknown statement %v", el.Statement)
}

func (p *Pipeline) assignKey(ctx context.Context, tx *db.Tx, d *schema.Descriptor) (entity.Key, error) {
	switch d.Key {
	case schema.KeyAuto:
		n, err := tx.NextKey(ctx, d.Name)
		if err != nil {
			return entity.Key{}, err
		}
		return entity.IntKey(n), nil
	case schema.KeyGUID:
		return entity.StringKey(uuid.NewString()), nil
	}
	return entity.Key{}, fmt.Errorf("entity %s has a string key and none was set", d.Name)
}

func (p *Pipeline) hooksFor(e *entity.Entity) Hooks {
	if !e.Descriptor().Has(schema.Hooks) {
		return nil
	}
	p.hooksMu.RLock()
	defer p.hooksMu.RUnlock()
	return p.hooks[e.Type()]
}

func (p *Pipeline) fail(err *CommitError) error {
	p.logger.Warn("commit failed",
		zap.Stringer("reason", err.Reason),
		zap.Stringer("element", err.Element),
		zap.Error(err.Err))
	p.hooksMu.RLock()
	fn := p.onError
	p.hooksMu.RUnlock()
	if fn != nil {
		fn(err)
	}
	return err
}

func addNumber(cur, delta any) any {
	switch d := delta.(type) {
	case int64:
		c, _ := cur.(int64)
		return c + d
	case float64:
		c, _ := cur.(float64)
		return c + d
	}
	return cur
}

// IsCommitError reports whether err came from a failed group.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}
