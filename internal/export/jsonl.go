// Package export writes store entities to JSON Lines and reads them back.
// Imported entities go through the commit pipeline, so they are captured
// for sync like any local write.
package export

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/store"
	"github.com/tidemark-sync/tidemark/internal/txn"
)

// Line is one exported entity.
type Line struct {
	Entity string         `json:"entity"`
	ID     string         `json:"id"`
	Group  string         `json:"group"`
	Fields map[string]any `json:"fields"`
}

// Options select what to export or how to import.
type Options struct {
	// Entities limits the entity types. Empty means all of them.
	Entities []string
	// Group limits export to one visibility group.
	Group string
	// BatchSize is the number of entities committed per transaction on
	// import. Defaults to 500.
	BatchSize int
	// DryRun parses and validates the input without writing.
	DryRun bool
}

// Result contains statistics about an export or import.
type Result struct {
	Entities  int
	Created   int
	Updated   int
	Unchanged int
	Errors    []string
}

// Export writes every selected entity as one JSON object per line. Entity
// types are ordered so that referenced types come first.
func Export(ctx context.Context, s *store.Store, w io.Writer, opts Options) (*Result, error) {
	names, err := Order(s.Registry(), opts.Entities)
	if err != nil {
		return nil, err
	}
	result := &Result{}
	enc := json.NewEncoder(w)
	for _, name := range names {
		d, _ := s.Registry().Lookup(name)
		list, err := s.List(ctx, name, opts.Group)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", name, err)
		}
		for _, e := range list {
			line := Line{
				Entity: name,
				ID:     e.Key().String(),
				Group:  e.Group(),
				Fields: make(map[string]any),
			}
			for k, v := range e.Fields() {
				p, ok := d.Property(k)
				if !ok {
					continue
				}
				line.Fields[k] = toJSON(p.Type, v)
			}
			if err := enc.Encode(line); err != nil {
				return nil, fmt.Errorf("failed to write %s/%s: %w", name, line.ID, err)
			}
			result.Entities++
		}
	}
	return result, nil
}

// Import reads lines written by Export and commits them. Existing entities
// are updated field by field; missing ones are created with the exported
// key and group. Lines that fail to parse are collected in Result.Errors;
// a failing commit aborts the import.
func Import(ctx context.Context, s *store.Store, r io.Reader, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	result := &Result{}
	var pending []*entity.Entity

	flush := func() error {
		if len(pending) == 0 || opts.DryRun {
			pending = pending[:0]
			return nil
		}
		err := s.Transaction(ctx, func(b *txn.Batch) error {
			for _, e := range pending {
				if err := b.Commit(e, false); err != nil {
					return err
				}
			}
			return nil
		})
		pending = pending[:0]
		return err
	}

	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	lineNum := 0
	for {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		e, created, err := prepare(ctx, s, line)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		result.Entities++
		switch {
		case created:
			result.Created++
		case e.HasChanges():
			result.Updated++
		default:
			result.Unchanged++
			continue
		}
		pending = append(pending, e)
		if len(pending) >= opts.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}
	return result, nil
}

func prepare(ctx context.Context, s *store.Store, line Line) (*entity.Entity, bool, error) {
	d, err := s.Registry().Lookup(line.Entity)
	if err != nil {
		return nil, false, err
	}
	e, err := s.Get(ctx, line.Entity, line.ID)
	created := errors.Is(err, db.ErrNotFound)
	switch {
	case created:
		key, err := entity.ParseKey(d.Key, line.ID)
		if err != nil {
			return nil, false, err
		}
		e = entity.New(d)
		e.SetKey(key)
		if line.Group != "" {
			if err := e.SetGroup(line.Group); err != nil {
				return nil, false, err
			}
		}
	case err != nil:
		return nil, false, err
	}

	for k, v := range line.Fields {
		p, ok := d.Property(k)
		if !ok {
			return nil, false, fmt.Errorf("%s has no property %q", d.Name, k)
		}
		value, err := FromJSON(p.Type, v)
		if err != nil {
			return nil, false, fmt.Errorf("%s.%s: %w", d.Name, k, err)
		}
		if err := e.Set(k, value); err != nil {
			return nil, false, err
		}
	}
	return e, created, nil
}

// Order returns the requested entity types, all of them when names is
// empty, sorted so every type follows the types it references.
func Order(reg *schema.Registry, names []string) ([]string, error) {
	if len(names) == 0 {
		names = reg.Names()
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, err := reg.Lookup(n); err != nil {
			return nil, err
		}
		want[n] = true
	}

	var out []string
	state := make(map[string]int) // 1 visiting, 2 done
	var visit func(string) error
	visit = func(n string) error {
		switch state[n] {
		case 1:
			return fmt.Errorf("reference cycle through %s", n)
		case 2:
			return nil
		}
		state[n] = 1
		d, _ := reg.Lookup(n)
		refs := make([]string, 0)
		for _, target := range d.Relations() {
			refs = append(refs, target)
		}
		sort.Strings(refs)
		for _, target := range refs {
			if target == n {
				continue
			}
			if err := visit(target); err != nil {
				return err
			}
		}
		state[n] = 2
		if want[n] {
			out = append(out, n)
		}
		return nil
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, n := range sorted {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toJSON(tag schema.TypeTag, v any) any {
	switch tag {
	case schema.Date:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case schema.Bytes:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b)
		}
	}
	return v
}

// FromJSON converts a value decoded from JSON, or typed on a command line,
// to the Go type a property of tag stores.
func FromJSON(tag schema.TypeTag, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tag {
	case schema.Integer:
		switch n := v.(type) {
		case json.Number:
			return n.Int64()
		case string:
			return json.Number(n).Int64()
		}
	case schema.Real:
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case string:
			return json.Number(n).Float64()
		}
	case schema.Bool:
		if s, ok := v.(string); ok {
			switch s {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("%q is not a bool", s)
		}
	case schema.Date:
		if s, ok := v.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	case schema.Bytes:
		if s, ok := v.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	case schema.Array, schema.Map:
		return numbers(v), nil
	}
	return v, nil
}

// numbers replaces json.Number inside decoded containers.
func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = numbers(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = numbers(x[k])
		}
	}
	return v
}
