// Package txn is the object commit pipeline. It turns a cascade of entity
// writes into one TransactionGroup and executes it atomically: preconditions
// are checked before any statement runs, generated keys are propagated to
// dependents, and a failure anywhere rolls back every row and every captured
// change record.
package txn

import (
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/events"
)

// ErrGroupClosed is returned when adding to a group that has been executed
// or discarded.
var ErrGroupClosed = errors.New("transaction group is closed")

// Statement is the kind of write an element performs.
type Statement uint8

const (
	Insert Statement = iota + 1
	Update
	Delete
)

func (s Statement) String() string {
	switch s {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("Statement(%d)", uint8(s))
}

// Event returns the notification kind for the statement.
func (s Statement) Event() events.Kind {
	switch s {
	case Insert:
		return events.Insert
	case Update:
		return events.Update
	default:
		return events.Delete
	}
}

// Element is one statement of a group.
type Element struct {
	Statement Statement
	Database  string
	// Params are the field values written. For an update only the changed
	// fields are present; a nil value clears the field.
	Params map[string]any
	// Deltas are commutative increments applied on top of the stored value.
	Deltas map[string]any
	Event  events.Kind
	Entity *entity.Entity

	// Filled in during execution.
	RecordID string
	Group    string
	Records  []change.Record
	stored   map[string]any
}

func (el *Element) String() string {
	id := el.RecordID
	if id == "" {
		id = el.Entity.Key().String()
	}
	if id == "" {
		id = "<new>"
	}
	return fmt.Sprintf("%s %s/%s", el.Statement, el.Entity.Type(), id)
}

// Group is an ordered list of elements that commit together.
type Group struct {
	elements  []*Element
	databases mapset.Set[string]
	closed    bool
}

// NewGroup returns an empty, open group.
func NewGroup() *Group {
	return &Group{databases: mapset.NewThreadUnsafeSet[string]()}
}

// Add appends an element.
func (g *Group) Add(el *Element) error {
	if g.closed {
		return ErrGroupClosed
	}
	if el.Event == 0 {
		el.Event = el.Statement.Event()
	}
	if el.Database == "" {
		el.Database = el.Entity.Descriptor().Database
	}
	g.elements = append(g.elements, el)
	g.databases.Add(el.Database)
	return nil
}

// Elements returns the elements in execution order.
func (g *Group) Elements() []*Element { return g.elements }

// Len returns the number of elements.
func (g *Group) Len() int { return len(g.elements) }

// Databases returns the touched database names, sorted.
func (g *Group) Databases() []string {
	names := g.databases.ToSlice()
	sort.Strings(names)
	return names
}

// Close prevents further additions.
func (g *Group) Close() { g.closed = true }

// Closed reports whether the group accepts elements.
func (g *Group) Closed() bool { return g.closed }

// appendFollowUp adds an element while executing. Only the pipeline uses it.
func (g *Group) appendFollowUp(el *Element) {
	g.elements = append(g.elements, el)
}
