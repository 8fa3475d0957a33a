package schema

import (
	"fmt"
	"strings"
	"time"
)

// TypeTag is the semantic type of a property value.
type TypeTag uint8

const (
	Text TypeTag = iota + 1
	Integer
	Real
	Bool
	Date
	Bytes
	Array
	Map
)

var tagNames = map[TypeTag]string{
	Text:    "text",
	Integer: "integer",
	Real:    "real",
	Bool:    "bool",
	Date:    "date",
	Bytes:   "bytes",
	Array:   "array",
	Map:     "map",
}

func (t TypeTag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TypeTag(%d)", uint8(t))
}

// Valid reports whether t is a known tag.
func (t TypeTag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// ParseTypeTag parses the lower-case tag name used in config files.
func ParseTypeTag(s string) (TypeTag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for tag, name := range tagNames {
		if name == s {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("unknown type tag %q", s)
}

// KeyKind controls how an entity's primary key is produced.
type KeyKind uint8

const (
	// KeyAuto keys are generated by the store on first commit.
	KeyAuto KeyKind = iota
	// KeyString keys are supplied by the caller.
	KeyString
	// KeyGUID keys are random UUIDs assigned on first commit when unset.
	KeyGUID
)

func (k KeyKind) String() string {
	switch k {
	case KeyAuto:
		return "auto"
	case KeyString:
		return "string"
	case KeyGUID:
		return "guid"
	default:
		return fmt.Sprintf("KeyKind(%d)", uint8(k))
	}
}

// ParseKeyKind parses "auto", "string" or "guid".
func ParseKeyKind(s string) (KeyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KeyAuto, nil
	case "string":
		return KeyString, nil
	case "guid", "uuid":
		return KeyGUID, nil
	}
	return 0, fmt.Errorf("unknown key kind %q", s)
}

// Capability is a bit set of optional entity behaviours.
type Capability uint8

const (
	Syncable Capability = 1 << iota
	Hooks
)

// Property is one persistent field of an entity.
type Property struct {
	Name    string
	Type    TypeTag
	Default any
	// References names the entity type whose primary key this property holds.
	References string
	// Encrypted properties are sealed in the local database as well as on
	// the wire.
	Encrypted bool
}

// Descriptor describes one entity type.
type Descriptor struct {
	Name         string
	Database     string
	Key          KeyKind
	Properties   []Property
	Capabilities Capability

	index map[string]int
}

// DefaultDatabase is used when a descriptor leaves Database empty.
const DefaultDatabase = "main"

// Validate checks the descriptor for structural errors and normalizes defaults.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if strings.ContainsAny(d.Name, "/ ") {
		return fmt.Errorf("entity name %q must not contain '/' or spaces", d.Name)
	}
	if d.Database == "" {
		d.Database = DefaultDatabase
	}
	if d.Key > KeyGUID {
		return fmt.Errorf("entity %s: invalid key kind %d", d.Name, d.Key)
	}
	if d.Has(Syncable) && d.Key == KeyAuto {
		// numeric keys generated on two devices would collide
		return fmt.Errorf("entity %s: syncable entities need string or guid keys", d.Name)
	}
	d.index = make(map[string]int, len(d.Properties))
	for i := range d.Properties {
		p := &d.Properties[i]
		if p.Name == "" {
			return fmt.Errorf("entity %s: property %d has no name", d.Name, i)
		}
		if _, dup := d.index[p.Name]; dup {
			return fmt.Errorf("entity %s: duplicate property %q", d.Name, p.Name)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("entity %s: property %s has unknown type %s", d.Name, p.Name, p.Type)
		}
		if p.Default != nil {
			v, err := Normalize(p.Type, p.Default)
			if err != nil {
				return fmt.Errorf("entity %s: default for %s: %w", d.Name, p.Name, err)
			}
			p.Default = v
		}
		d.index[p.Name] = i
	}
	return nil
}

// Encrypted reports whether any property is stored encrypted.
func (d *Descriptor) Encrypted() bool {
	for _, p := range d.Properties {
		if p.Encrypted {
			return true
		}
	}
	return false
}

// Property returns the named property.
func (d *Descriptor) Property(name string) (Property, bool) {
	if d.index == nil {
		for _, p := range d.Properties {
			if p.Name == name {
				return p, true
			}
		}
		return Property{}, false
	}
	i, ok := d.index[name]
	if !ok {
		return Property{}, false
	}
	return d.Properties[i], true
}

// Has reports whether the descriptor carries capability c.
func (d *Descriptor) Has(c Capability) bool {
	return d.Capabilities&c != 0
}

// Defaults returns a fresh map of the non-nil property defaults.
func (d *Descriptor) Defaults() map[string]any {
	out := make(map[string]any)
	for _, p := range d.Properties {
		if p.Default != nil {
			out[p.Name] = cloneValue(p.Default)
		}
	}
	return out
}

// Relations maps property name to referenced entity type.
func (d *Descriptor) Relations() map[string]string {
	out := make(map[string]string)
	for _, p := range d.Properties {
		if p.References != "" {
			out[p.Name] = p.References
		}
	}
	return out
}

// Normalize converts v to the canonical Go type for tag. A nil value is
// always accepted and means "unset".
func Normalize(tag TypeTag, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tag {
	case Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Integer:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint:
			return int64(n), nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint64:
			return int64(n), nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case Real:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Date:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case Bytes:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case Array:
		if a, ok := v.([]any); ok {
			return a, nil
		}
	case Map:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("value of type %T does not match %s", v, tag)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
