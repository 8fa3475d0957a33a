package config

import (
	"fmt"

	"github.com/tidemark-sync/tidemark/internal/schema"
)

// EntityConfig declares an entity type in the settings file:
//
//	[[entities]]
//	name = "note"
//	key = "guid"
//	syncable = true
//
//	[[entities.properties]]
//	name = "title"
//	type = "text"
//	encrypted = true
type EntityConfig struct {
	Name       string           `mapstructure:"name" toml:"name"`
	Database   string           `mapstructure:"database" toml:"database,omitempty"`
	Key        string           `mapstructure:"key" toml:"key,omitempty"`
	Syncable   bool             `mapstructure:"syncable" toml:"syncable,omitempty"`
	Hooks      bool             `mapstructure:"hooks" toml:"hooks,omitempty"`
	Properties []PropertyConfig `mapstructure:"properties" toml:"properties"`
}

// PropertyConfig declares one property.
type PropertyConfig struct {
	Name       string `mapstructure:"name" toml:"name"`
	Type       string `mapstructure:"type" toml:"type"`
	Default    any    `mapstructure:"default" toml:"default,omitempty"`
	References string `mapstructure:"references" toml:"references,omitempty"`
	Encrypted  bool   `mapstructure:"encrypted" toml:"encrypted,omitempty"`
}

// Descriptor converts the declaration into a validated schema descriptor.
func (e EntityConfig) Descriptor() (schema.Descriptor, error) {
	key := schema.KeyAuto
	if e.Key != "" {
		k, err := schema.ParseKeyKind(e.Key)
		if err != nil {
			return schema.Descriptor{}, fmt.Errorf("entity %s: %w", e.Name, err)
		}
		key = k
	}
	d := schema.Descriptor{Name: e.Name, Database: e.Database, Key: key}
	if e.Syncable {
		d.Capabilities |= schema.Syncable
	}
	if e.Hooks {
		d.Capabilities |= schema.Hooks
	}
	for _, p := range e.Properties {
		tag, err := schema.ParseTypeTag(p.Type)
		if err != nil {
			return schema.Descriptor{}, fmt.Errorf("entity %s property %s: %w", e.Name, p.Name, err)
		}
		d.Properties = append(d.Properties, schema.Property{
			Name: p.Name, Type: tag, Default: p.Default, References: p.References,
			Encrypted: p.Encrypted,
		})
	}
	if err := d.Validate(); err != nil {
		return schema.Descriptor{}, err
	}
	return d, nil
}

// Registry builds a registry holding every configured entity type.
func (s *Settings) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, e := range s.Entities {
		d, err := e.Descriptor()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
