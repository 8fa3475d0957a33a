package txn

import "github.com/tidemark-sync/tidemark/internal/entity"

// Hooks are lifecycle callbacks for one entity type. Will* hooks run before
// any statement of the group executes; returning false rejects the whole
// group. Did* hooks run after the group committed, in cascade order, on the
// committing goroutine.
type Hooks interface {
	WillInsert(e *entity.Entity) bool
	WillUpdate(e *entity.Entity) bool
	WillDelete(e *entity.Entity) bool
	DidInsert(e *entity.Entity)
	DidUpdate(e *entity.Entity)
	DidDelete(e *entity.Entity)
}

// HookFuncs implements Hooks with optional functions. A nil Will* function
// allows the write.
type HookFuncs struct {
	OnWillInsert func(*entity.Entity) bool
	OnWillUpdate func(*entity.Entity) bool
	OnWillDelete func(*entity.Entity) bool
	OnDidInsert  func(*entity.Entity)
	OnDidUpdate  func(*entity.Entity)
	OnDidDelete  func(*entity.Entity)
}

func (h HookFuncs) WillInsert(e *entity.Entity) bool { return h.OnWillInsert == nil || h.OnWillInsert(e) }
func (h HookFuncs) WillUpdate(e *entity.Entity) bool { return h.OnWillUpdate == nil || h.OnWillUpdate(e) }
func (h HookFuncs) WillDelete(e *entity.Entity) bool { return h.OnWillDelete == nil || h.OnWillDelete(e) }

func (h HookFuncs) DidInsert(e *entity.Entity) {
	if h.OnDidInsert != nil {
		h.OnDidInsert(e)
	}
}

func (h HookFuncs) DidUpdate(e *entity.Entity) {
	if h.OnDidUpdate != nil {
		h.OnDidUpdate(e)
	}
}

func (h HookFuncs) DidDelete(e *entity.Entity) {
	if h.OnDidDelete != nil {
		h.OnDidDelete(e)
	}
}

func will(h Hooks, el *Element) bool {
	switch el.Statement {
	case Insert:
		return h.WillInsert(el.Entity)
	case Update:
		return h.WillUpdate(el.Entity)
	default:
		return h.WillDelete(el.Entity)
	}
}

func did(h Hooks, el *Element) {
	switch el.Statement {
	case Insert:
		h.DidInsert(el.Entity)
	case Update:
		h.DidUpdate(el.Entity)
	default:
		h.DidDelete(el.Entity)
	}
}
