package entity

import (
	"fmt"
	"strconv"

	"github.com/tidemark-sync/tidemark/internal/schema"
)

// Key is an entity primary key. Auto keys use Int, string and GUID keys use
// Str. The zero Key means "not yet assigned".
type Key struct {
	Int int64
	Str string
}

// IntKey returns a numeric key.
func IntKey(n int64) Key { return Key{Int: n} }

// StringKey returns a string key.
func StringKey(s string) Key { return Key{Str: s} }

// IsZero reports whether no key has been assigned.
func (k Key) IsZero() bool { return k.Int == 0 && k.Str == "" }

func (k Key) String() string {
	if k.Str != "" {
		return k.Str
	}
	if k.Int == 0 {
		return ""
	}
	return strconv.FormatInt(k.Int, 10)
}

// Value returns the key as it is stored in a referencing property.
func (k Key) Value() any {
	if k.Str != "" {
		return k.Str
	}
	return k.Int
}

// ParseKey parses the textual form produced by String for the given kind.
func ParseKey(kind schema.KeyKind, s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty key")
	}
	if kind == schema.KeyAuto {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("invalid numeric key %q: %w", s, err)
		}
		return IntKey(n), nil
	}
	return StringKey(s), nil
}

// KeyFromValue converts a stored reference value back into a key.
func KeyFromValue(v any) (Key, bool) {
	switch x := v.(type) {
	case int64:
		return IntKey(x), x != 0
	case string:
		return StringKey(x), x != ""
	}
	return Key{}, false
}
