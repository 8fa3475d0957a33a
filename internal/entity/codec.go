package entity

import (
	"fmt"

	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/schema"
)

// FieldCodec encodes stored field maps, sealing the properties a descriptor
// marks Encrypted with the device envelope. A sealed field is stored as the
// envelope bytes in place of its value.
type FieldCodec struct {
	env *envelope.Envelope
}

// NewFieldCodec returns a codec sealing with env. A nil codec, or one
// without an envelope, stores every field in the clear.
func NewFieldCodec(env *envelope.Envelope) *FieldCodec {
	return &FieldCodec{env: env}
}

// Encode serializes fields of an entity of type d.
func (c *FieldCodec) Encode(d *schema.Descriptor, fields map[string]any) ([]byte, error) {
	if c == nil || c.env == nil || !d.Encrypted() {
		return EncodeFields(fields)
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	for _, p := range d.Properties {
		v, ok := out[p.Name]
		if !p.Encrypted || !ok || v == nil {
			continue
		}
		sealed, err := c.env.Seal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to seal %s.%s: %w", d.Name, p.Name, err)
		}
		out[p.Name] = sealed
	}
	return EncodeFields(out)
}

// Decode is the inverse of Encode.
func (c *FieldCodec) Decode(d *schema.Descriptor, data []byte) (map[string]any, error) {
	fields, err := DecodeFields(data)
	if err != nil || c == nil || c.env == nil || !d.Encrypted() {
		return fields, err
	}
	for _, p := range d.Properties {
		if !p.Encrypted {
			continue
		}
		sealed, ok := fields[p.Name].([]byte)
		if !ok {
			continue
		}
		v, err := c.env.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s.%s: %w", d.Name, p.Name, err)
		}
		fields[p.Name] = v
	}
	return fields, nil
}
