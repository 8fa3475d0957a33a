// Package change defines the immutable change records exchanged between
// devices, the tombstones and deferred entries the merge engine keeps, and the
// per-device monotonic clock that orders them.
package change

import (
	"fmt"
	"strings"
)

// DefaultGroup is the visibility group of entities that do not name one.
// Every device is subscribed to it.
const DefaultGroup = "default"

// Op is the operation a change record carries.
type Op uint8

const (
	Create    Op = 1
	Set       Op = 2
	Delete    Op = 3
	Increment Op = 4
	Decrement Op = 5
)

func (o Op) String() string {
	switch o {
	case Create:
		return "create"
	case Set:
		return "set"
	case Delete:
		return "delete"
	case Increment:
		return "increment"
	case Decrement:
		return "decrement"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Valid reports whether o is one of the defined operations.
func (o Op) Valid() bool {
	return o >= Create && o <= Decrement
}

// HasProperty reports whether records with this op name a property.
func (o Op) HasProperty() bool {
	return o == Set || o == Increment || o == Decrement
}

// ParseOp parses the lower-case op name.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "create":
		return Create, nil
	case "set":
		return Set, nil
	case "delete":
		return Delete, nil
	case "increment":
		return Increment, nil
	case "decrement":
		return Decrement, nil
	}
	return 0, fmt.Errorf("unknown op %q", s)
}

// Record is one captured change. Records are values: once built they are
// never modified, and the queue table only ever inserts or deletes them.
type Record struct {
	// ID is a random UUID used as the idempotency key.
	ID       string `json:"id" yaml:"id"`
	Entity   string `json:"entity" yaml:"entity"`
	RecordID string `json:"record_id" yaml:"record_id"`
	// Property is empty for Create and Delete.
	Property string `json:"property,omitempty" yaml:"property,omitempty"`
	Op       Op     `json:"op" yaml:"op"`
	// Timestamp is in microseconds and strictly increasing per device.
	Timestamp int64  `json:"ts" yaml:"ts"`
	Device    string `json:"device" yaml:"device"`
	Group     string `json:"group" yaml:"group"`
	// Value is the sealed envelope, nil for Create and Delete.
	Value []byte `json:"value,omitempty" yaml:"-"`
}

// Key identifies the entity row the record targets.
func (r Record) Key() string {
	return r.Entity + "/" + r.RecordID
}

// Validate checks the structural fields of a record received from elsewhere.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("change record has no id")
	}
	if r.Entity == "" || r.RecordID == "" {
		return fmt.Errorf("change %s: entity and record id are required", r.ID)
	}
	if !r.Op.Valid() {
		return fmt.Errorf("change %s: invalid op %d", r.ID, r.Op)
	}
	if r.Op.HasProperty() && r.Property == "" {
		return fmt.Errorf("change %s: %s requires a property", r.ID, r.Op)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("change %s: invalid timestamp %d", r.ID, r.Timestamp)
	}
	return nil
}

// Newer reports whether (ts, device) orders after (otherTS, otherDevice).
// Equal timestamps are broken by device id so every device picks the same
// winner.
func Newer(ts int64, device string, otherTS int64, otherDevice string) bool {
	if ts != otherTS {
		return ts > otherTS
	}
	return device > otherDevice
}

// Less orders records for application: timestamp, then device, then record id.
func Less(a, b Record) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.Device != b.Device {
		return a.Device < b.Device
	}
	return a.ID < b.ID
}

// Defunct is a tombstone for a deleted entity.
type Defunct struct {
	Entity    string
	RecordID  string
	DeletedAt int64
}

// Deferred is an incoming change withheld until its dependency arrives.
type Deferred struct {
	Record  Record
	Payload []byte
	Retries int
	Reason  string
}
