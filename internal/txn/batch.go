package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
)

// Batch plans the elements of one group.
type Batch struct {
	p     *Pipeline
	group *Group
	chain *Chain
}

// NewBatch starts an empty group.
func (p *Pipeline) NewBatch() *Batch {
	return &Batch{p: p, group: NewGroup(), chain: NewChain()}
}

// Commit plans a write of e.
func (b *Batch) Commit(e *entity.Entity, cascade bool) error {
	if b.group.Closed() {
		return ErrGroupClosed
	}
	return b.plan(e, cascade)
}

// Remove plans a delete of e.
func (b *Batch) Remove(e *entity.Entity) error {
	if b.group.Closed() {
		return ErrGroupClosed
	}
	if e.Removed() {
		return entity.ErrRemoved
	}
	if !e.Exists() {
		return fmt.Errorf("remove %s: %w", e.Type(), db.ErrNotFound)
	}
	if !b.chain.Visit(e) {
		if el := b.chain.elements[e]; el != nil && el.Statement == Delete {
			return nil
		}
		return errors.New("entity is already part of this transaction")
	}
	el := &Element{Statement: Delete, Entity: e}
	b.chain.bind(e, el)
	return b.group.Add(el)
}

// Group returns the planned group.
func (b *Batch) Group() *Group { return b.group }

// Execute runs the planned group.
func (b *Batch) Execute(ctx context.Context) error {
	return b.p.Execute(ctx, b.group, b.chain)
}

func (b *Batch) plan(e *entity.Entity, cascade bool) error {
	if e.Removed() {
		return entity.ErrRemoved
	}
	if !b.chain.Visit(e) {
		return nil
	}
	for _, name := range e.RefNames() {
		parent := e.Ref(name)
		b.chain.Depend(parent, e, name)
		if cascade && (parent.Key().IsZero() || parent.HasChanges()) {
			if err := b.plan(parent, true); err != nil {
				return err
			}
		}
	}
	if !e.HasChanges() {
		return nil
	}

	el := &Element{Entity: e}
	if e.Exists() {
		el.Statement = Update
		el.Params = make(map[string]any)
		for _, name := range e.Dirty() {
			el.Params[name] = e.Get(name)
		}
		el.Deltas = e.Deltas()
	} else {
		el.Statement = Insert
		el.Params = e.Fields()
	}
	b.chain.bind(e, el)
	return b.group.Add(el)
}
