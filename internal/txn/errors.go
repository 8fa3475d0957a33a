package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition matches commits rejected by a Will* hook.
	ErrPrecondition = errors.New("precondition rejected")
	// ErrStorage matches commits that failed while writing.
	ErrStorage = errors.New("storage failure")
	// ErrClosed is returned after the pipeline has been closed.
	ErrClosed = errors.New("store is closed")
)

// Reason classifies a CommitError.
type Reason uint8

const (
	ReasonPrecondition Reason = iota + 1
	ReasonStorage
)

func (r Reason) String() string {
	switch r {
	case ReasonPrecondition:
		return "precondition"
	case ReasonStorage:
		return "storage"
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// CommitError reports a failed group. Element is the statement that was
// rejected or failed; nothing of the group was written.
type CommitError struct {
	Reason  Reason
	Element *Element
	Err     error
}

func (e *CommitError) Error() string {
	where := ""
	if e.Element != nil {
		where = " at " + e.Element.String()
	}
	if e.Reason == ReasonPrecondition {
		return "commit rejected by precondition" + where
	}
	return fmt.Sprintf("commit failed%s: %v", where, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrPrecondition and ErrStorage.
func (e *CommitError) Is(target error) bool {
	switch target {
	case ErrPrecondition:
		return e.Reason == ReasonPrecondition
	case ErrStorage:
		return e.Reason == ReasonStorage
	}
	return false
}
