// Package envelope is the boundary every change value crosses: values are
// encoded as type-tagged CBOR and then sealed with a Cipher. The first byte of
// a sealed value names the cipher that produced it.
package envelope

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tidemark-sync/tidemark/internal/schema"
)

// tagNull marks an absent value. The other tags share schema.TypeTag values.
const tagNull uint8 = 0

type tagged struct {
	T uint8           `cbor:"t"`
	V cbor.RawMessage `cbor:"v,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with its type tag. Supported values are nil, string, all
// integer kinds, float32/float64, bool, time.Time, []byte, []any, []string,
// map[string]any and map[string]string.
func Marshal(v any) ([]byte, error) {
	w, err := wrap(v)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(w)
}

// Unmarshal decodes a value produced by Marshal. Integers come back as int64,
// reals as float64, dates as UTC time.Time, arrays as []any and maps as
// map[string]any.
func Unmarshal(data []byte) (any, error) {
	var w tagged
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return unwrap(w)
}

func wrap(v any) (tagged, error) {
	if v == nil {
		return tagged{T: tagNull}, nil
	}
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, err := schema.Normalize(schema.Integer, x)
		if err != nil {
			return tagged{}, err
		}
		return raw(schema.Integer, n)
	case string:
		return raw(schema.Text, x)
	case float64:
		return raw(schema.Real, x)
	case float32:
		return raw(schema.Real, float64(x))
	case bool:
		return raw(schema.Bool, x)
	case time.Time:
		// seconds and nanoseconds apart: UnixNano overflows outside 1678..2262
		return raw(schema.Date, [2]int64{x.Unix(), int64(x.Nanosecond())})
	case []byte:
		return raw(schema.Bytes, x)
	case []string:
		items := make([]any, len(x))
		for i := range x {
			items[i] = x[i]
		}
		return wrap(items)
	case []any:
		items := make([]tagged, len(x))
		for i := range x {
			w, err := wrap(x[i])
			if err != nil {
				return tagged{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = w
		}
		return raw(schema.Array, items)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return wrap(m)
	case map[string]any:
		m := make(map[string]tagged, len(x))
		for k, e := range x {
			w, err := wrap(e)
			if err != nil {
				return tagged{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = w
		}
		return raw(schema.Map, m)
	}
	return tagged{}, fmt.Errorf("unsupported value type %T", v)
}

func raw(tag schema.TypeTag, v any) (tagged, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return tagged{}, err
	}
	return tagged{T: uint8(tag), V: b}, nil
}

func unwrap(w tagged) (any, error) {
	if w.T == tagNull {
		return nil, nil
	}
	switch schema.TypeTag(w.T) {
	case schema.Text:
		var s string
		if err := decode(w.V, &s); err != nil {
			return nil, err
		}
		return s, nil
	case schema.Integer:
		var n int64
		if err := decode(w.V, &n); err != nil {
			return nil, err
		}
		return n, nil
	case schema.Real:
		var f float64
		if err := decode(w.V, &f); err != nil {
			return nil, err
		}
		return f, nil
	case schema.Bool:
		var b bool
		if err := decode(w.V, &b); err != nil {
			return nil, err
		}
		return b, nil
	case schema.Date:
		var sn [2]int64
		if err := decode(w.V, &sn); err != nil {
			return nil, err
		}
		return time.Unix(sn[0], sn[1]).UTC(), nil
	case schema.Bytes:
		var b []byte
		if err := decode(w.V, &b); err != nil {
			return nil, err
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil
	case schema.Array:
		var items []tagged
		if err := decode(w.V, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i := range items {
			v, err := unwrap(items[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case schema.Map:
		var m map[string]tagged
		if err := decode(w.V, &m); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(m))
		for k, e := range m {
			v, err := unwrap(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value tag %d", w.T)
}

func decode(b cbor.RawMessage, dst any) error {
	if len(b) == 0 {
		return fmt.Errorf("missing value for %T", dst)
	}
	return decMode.Unmarshal(b, dst)
}
