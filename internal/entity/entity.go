// Package entity holds the in-memory form of a persistent object: its key,
// field values, the baseline they were last committed with, and the set of
// fields changed since then.
package entity

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/schema"
)

var (
	ErrUnknownProperty = errors.New("unknown property")
	ErrGroupImmutable  = errors.New("group can only be set before the first commit")
	ErrRemoved         = errors.New("entity has been removed")
	ErrNotWhole        = errors.New("integer property needs a whole amount")
	ErrNotNumeric      = errors.New("property is not numeric")
)

// Entity is one object of a registered type. It is not safe for concurrent
// use; the commit pipeline serializes writes.
type Entity struct {
	desc     *schema.Descriptor
	key      Key
	group    string
	fields   map[string]any
	baseline map[string]any
	dirty    mapset.Set[string]
	deltas   map[string]any
	refs     map[string]*Entity
	exists   bool
	removed  bool
}

// New returns a non-existent entity seeded with the descriptor defaults.
func New(desc *schema.Descriptor) *Entity {
	return &Entity{
		desc:     desc,
		fields:   desc.Defaults(),
		baseline: map[string]any{},
		dirty:    mapset.NewThreadUnsafeSet[string](),
		deltas:   map[string]any{},
		refs:     map[string]*Entity{},
	}
}

// Load returns an existing entity read from storage.
func Load(desc *schema.Descriptor, key Key, group string, fields map[string]any) *Entity {
	e := New(desc)
	e.key = key
	e.group = group
	e.fields = fields
	if e.fields == nil {
		e.fields = map[string]any{}
	}
	e.baseline = cloneFields(e.fields)
	e.exists = true
	return e
}

func (e *Entity) Descriptor() *schema.Descriptor { return e.desc }
func (e *Entity) Type() string                   { return e.desc.Name }
func (e *Entity) Key() Key                       { return e.key }
func (e *Entity) Exists() bool                   { return e.exists }
func (e *Entity) Removed() bool                  { return e.removed }

// SetKey assigns the primary key. Only the commit pipeline and callers
// creating string keyed entities should use it.
func (e *Entity) SetKey(k Key) { e.key = k }

// Group returns the visibility group, defaulting to change.DefaultGroup.
func (e *Entity) Group() string {
	if e.group == "" {
		return change.DefaultGroup
	}
	return e.group
}

// SetGroup assigns the visibility group of a new entity.
func (e *Entity) SetGroup(g string) error {
	if e.exists || e.removed {
		return ErrGroupImmutable
	}
	e.group = g
	return nil
}

// Get returns the current value of a field, nil if unset.
func (e *Entity) Get(name string) any {
	return e.fields[name]
}

// Fields returns a copy of all field values.
func (e *Entity) Fields() map[string]any {
	return cloneFields(e.fields)
}

// Set assigns a field. The field becomes dirty only if the new value differs
// from the committed baseline.
func (e *Entity) Set(name string, v any) error {
	p, ok := e.desc.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, e.desc.Name, name)
	}
	nv, err := schema.Normalize(p.Type, v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", e.desc.Name, name, err)
	}
	if nv == nil {
		delete(e.fields, name)
	} else {
		e.fields[name] = nv
	}
	delete(e.deltas, name)
	if Equal(nv, e.baseline[name]) {
		e.dirty.Remove(name)
	} else {
		e.dirty.Add(name)
	}
	return nil
}

// Increment adds by to a numeric field. The change is captured as a
// commutative delta unless the field was also Set in the same commit.
// Integer fields only accept whole amounts.
func (e *Entity) Increment(name string, by float64) error {
	p, ok := e.desc.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, e.desc.Name, name)
	}
	switch p.Type {
	case schema.Integer:
		if by != math.Trunc(by) || math.Abs(by) > math.MaxInt64 {
			return fmt.Errorf("%w: %s.%s cannot change by %v", ErrNotWhole, e.desc.Name, name, by)
		}
		d := int64(by)
		cur, _ := e.fields[name].(int64)
		e.fields[name] = cur + d
		prev, _ := e.deltas[name].(int64)
		e.deltas[name] = prev + d
	case schema.Real:
		cur, _ := e.fields[name].(float64)
		e.fields[name] = cur + by
		prev, _ := e.deltas[name].(float64)
		e.deltas[name] = prev + by
	default:
		return fmt.Errorf("%w: %s.%s", ErrNotNumeric, e.desc.Name, name)
	}
	if isZeroNumber(e.deltas[name]) {
		delete(e.deltas, name)
	}
	return nil
}

// Decrement subtracts by from a numeric field.
func (e *Entity) Decrement(name string, by float64) error {
	return e.Increment(name, -by)
}

// SetRef points a reference property at parent. If parent has no key yet
// the property is patched when the parent is committed.
func (e *Entity) SetRef(name string, parent *Entity) error {
	p, ok := e.desc.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, e.desc.Name, name)
	}
	if p.References == "" || p.References != parent.Type() {
		return fmt.Errorf("%s.%s does not reference %s", e.desc.Name, name, parent.Type())
	}
	e.refs[name] = parent
	if !parent.key.IsZero() {
		return e.Set(name, parent.key.Value())
	}
	return nil
}

// Ref returns the entity set with SetRef, if any.
func (e *Entity) Ref(name string) *Entity { return e.refs[name] }

// RefNames returns the reference properties with an attached parent, sorted.
func (e *Entity) RefNames() []string {
	names := make([]string, 0, len(e.refs))
	for n := range e.refs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dirty returns the names of fields changed since the baseline, sorted.
func (e *Entity) Dirty() []string {
	names := e.dirty.ToSlice()
	sort.Strings(names)
	return names
}

// Deltas returns the pending Increment/Decrement amounts of fields that were
// not also Set.
func (e *Entity) Deltas() map[string]any {
	out := make(map[string]any, len(e.deltas))
	for k, v := range e.deltas {
		if !e.dirty.Contains(k) {
			out[k] = v
		}
	}
	return out
}

// HasChanges reports whether committing would write anything.
func (e *Entity) HasChanges() bool {
	return !e.exists || e.dirty.Cardinality() > 0 || len(e.Deltas()) > 0
}

// MarkCommitted resets the baseline after a successful commit. stored, when
// non-nil, is the row as written, which may include increments merged from
// other devices since the entity was loaded.
func (e *Entity) MarkCommitted(stored map[string]any) {
	if stored != nil {
		e.fields = cloneFields(stored)
	}
	e.baseline = cloneFields(e.fields)
	e.dirty.Clear()
	clear(e.deltas)
	e.exists = true
}

// MarkRemoved flags the entity as deleted.
func (e *Entity) MarkRemoved() {
	e.exists = false
	e.removed = true
	e.dirty.Clear()
	clear(e.deltas)
}

// Snapshot captures state that a failed commit must put back.
type Snapshot struct {
	key     Key
	fields  map[string]any
	dirty   []string
	deltas  map[string]any
	exists  bool
	removed bool
}

func (e *Entity) Snapshot() Snapshot {
	return Snapshot{
		key:     e.key,
		fields:  cloneFields(e.fields),
		dirty:   e.dirty.ToSlice(),
		deltas:  maps.Clone(e.deltas),
		exists:  e.exists,
		removed: e.removed,
	}
}

func (e *Entity) Restore(s Snapshot) {
	e.key = s.key
	e.fields = s.fields
	e.dirty = mapset.NewThreadUnsafeSet(s.dirty...)
	e.deltas = s.deltas
	e.exists = s.exists
	e.removed = s.removed
}

// Equal compares two field values.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	return reflect.DeepEqual(a, b)
}

// EncodeFields serializes a field map for storage.
func EncodeFields(fields map[string]any) ([]byte, error) {
	return envelope.Marshal(fields)
}

// DecodeFields is the inverse of EncodeFields.
func DecodeFields(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	v, err := envelope.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stored fields are %T, not a map", v)
	}
	return m, nil
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case []byte:
			out[k] = append([]byte(nil), x...)
		default:
			out[k] = v
		}
	}
	return out
}

func isZeroNumber(v any) bool {
	switch n := v.(type) {
	case int64:
		return n == 0
	case float64:
		return n == 0
	}
	return false
}
