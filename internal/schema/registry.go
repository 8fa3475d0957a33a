package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEntity is returned when looking up an unregistered entity type.
var ErrUnknownEntity = errors.New("unknown entity type")

// Registry holds the descriptors known to one store. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Descriptor)}
}

// Register validates d and adds it to the registry.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[d.Name]; ok {
		return fmt.Errorf("entity %s already registered", d.Name)
	}
	r.types[d.Name] = &d
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return d, nil
}

// Names returns the registered entity names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every relation points at a registered entity whose
// key kind can be stored in the referencing property.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.types {
		for _, p := range d.Properties {
			if p.References == "" {
				continue
			}
			target, ok := r.types[p.References]
			if !ok {
				return fmt.Errorf("entity %s: property %s references unknown entity %s", d.Name, p.Name, p.References)
			}
			want := Text
			if target.Key == KeyAuto {
				want = Integer
			}
			if p.Type != want {
				return fmt.Errorf("entity %s: property %s references %s and must be %s, not %s",
					d.Name, p.Name, target.Name, want, p.Type)
			}
		}
	}
	return nil
}
