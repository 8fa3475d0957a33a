package txn

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tidemark-sync/tidemark/internal/entity"
)

type dependent struct {
	child    *entity.Entity
	property string
}

// Chain is the set of entities taking part in one cascade. It stops an
// entity from being planned twice and remembers which dependents need a
// parent's key once it is generated.
type Chain struct {
	seen       mapset.Set[*entity.Entity]
	dependents map[*entity.Entity][]dependent
	elements   map[*entity.Entity]*Element
	executed   mapset.Set[*Element]
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{
		seen:       mapset.NewThreadUnsafeSet[*entity.Entity](),
		dependents: make(map[*entity.Entity][]dependent),
		elements:   make(map[*entity.Entity]*Element),
		executed:   mapset.NewThreadUnsafeSet[*Element](),
	}
}

// Visit adds e and reports whether it was new to the chain.
func (c *Chain) Visit(e *entity.Entity) bool {
	return c.seen.Add(e)
}

// Contains reports whether e is part of the chain.
func (c *Chain) Contains(e *entity.Entity) bool {
	return c.seen.Contains(e)
}

// Len returns the number of participating entities.
func (c *Chain) Len() int { return c.seen.Cardinality() }

// Depend records that child.property holds parent's key.
func (c *Chain) Depend(parent, child *entity.Entity, property string) {
	for _, d := range c.dependents[parent] {
		if d.child == child && d.property == property {
			return
		}
	}
	c.dependents[parent] = append(c.dependents[parent], dependent{child: child, property: property})
}

func (c *Chain) bind(e *entity.Entity, el *Element) {
	c.elements[e] = el
}

// patch writes parent's key into every dependent. Elements that have not run
// yet are updated in place; dependents whose statement already executed are
// returned so the caller can issue a follow-up update.
func (c *Chain) patch(parent *entity.Entity) ([]*Element, error) {
	value := parent.Key().Value()
	var followUps []*Element
	for _, d := range c.dependents[parent] {
		if err := d.child.Set(d.property, value); err != nil {
			return nil, err
		}
		el, queued := c.elements[d.child]
		switch {
		case queued && !c.executed.Contains(el) && el.Statement != Delete:
			if el.Params == nil {
				el.Params = make(map[string]any)
			}
			el.Params[d.property] = value
		case d.child.Exists() || queued && el.Statement != Delete:
			followUps = append(followUps, &Element{
				Statement: Update,
				Params:    map[string]any{d.property: value},
				Entity:    d.child,
			})
		}
	}
	return followUps, nil
}

func (c *Chain) markExecuted(el *Element) { c.executed.Add(el) }
