// Package schema defines statically registered entity descriptors.
//
// # Overview
//
// Every persistent entity type is described by a Descriptor: its name, the
// database it lives in, how its primary key is produced, and an ordered list of
// properties. Each property carries a semantic type tag and an optional default
// value. The order of properties is significant: change capture emits Set
// records in descriptor order for a newly created entity.
//
// # Type Tags
//
//   - text    - string
//   - integer - int64 (all Go integer kinds are normalized)
//   - real    - float64
//   - bool    - bool
//   - date    - time.Time (stored in UTC)
//   - bytes   - []byte
//   - array   - []any
//   - map     - map[string]any
//
// # Capabilities
//
// Behaviour that used to be discovered at runtime is declared on the
// descriptor instead:
//
//   - Syncable - committed writes are captured as change records
//   - Hooks    - lifecycle hooks registered for the type are consulted
//
// # Relations
//
// A property with References set holds the primary key of another entity
// type. The commit pipeline uses it to patch generated keys into dependents,
// and the merge engine uses it to defer changes whose parent has not arrived.
package schema
