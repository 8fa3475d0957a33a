package events

import "fmt"

// Kind is a bit set of entity event kinds.
type Kind uint8

const (
	Insert Kind = 1 << iota
	Update
	Delete

	All = Insert | Update | Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Event reports one committed entity write. Remote is set when the write
// came from a merged change rather than a local commit.
type Event struct {
	Kind     Kind   `json:"kind"`
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Group    string `json:"group"`
	Remote   bool   `json:"remote"`
}

// Mask returns a filter accepting events whose kind is in kinds and, when
// entities is non-empty, whose entity type is listed.
func Mask(kinds Kind, entities ...string) func(Event) bool {
	var only map[string]bool
	if len(entities) > 0 {
		only = make(map[string]bool, len(entities))
		for _, e := range entities {
			only[e] = true
		}
	}
	return func(ev Event) bool {
		if ev.Kind&kinds == 0 {
			return false
		}
		return only == nil || only[ev.Entity]
	}
}
