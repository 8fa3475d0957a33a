package exchange

import (
	"errors"
	"sort"
	"time"

	"github.com/tidemark-sync/tidemark/internal/merge"
	"github.com/tidemark-sync/tidemark/internal/transport"
)

// TransportError and ProtocolError are the failures of the exchange itself.
// Neither advances a tidemark or clears the unsent queue.
type (
	TransportError = transport.Error
	ProtocolError  = transport.ProtocolError
)

// Report describes one completed round. Exactly one is published per round,
// whether it succeeded or not.
type Report struct {
	Started  time.Time
	Finished time.Time

	// Sent is the number of local records the service accepted.
	Sent int

	Applied    int
	Stale      int
	Duplicate  int
	Deferred   int
	Suppressed int
	Ignored    int

	// Dropped lists deferred changes given up on this round.
	Dropped []*merge.DependencyError
	// Integrity lists records skipped because they could not be decrypted
	// along with the Dropped errors.
	Integrity []error

	// Touched maps entity types to the record ids changed by remote writes.
	Touched map[string][]string

	// Err is the transport, protocol or storage failure ending the round.
	Err error
}

// OK reports whether the round completed without a failure.
func (r *Report) OK() bool { return r.Err == nil }

// Entities returns the entity types touched by the round, sorted.
func (r *Report) Entities() []string {
	out := make([]string, 0, len(r.Touched))
	for k := range r.Touched {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PrimaryKeys returns the record ids of entityType touched by the round.
func (r *Report) PrimaryKeys(entityType string) []string {
	return r.Touched[entityType]
}

// IsTransient reports whether the round failed on the transport and will be
// retried after backoff.
func (r *Report) IsTransient() bool {
	var te *TransportError
	return errors.As(r.Err, &te)
}

func (r *Report) count(o merge.Outcome) {
	switch o {
	case merge.Applied:
		r.Applied++
	case merge.Stale:
		r.Stale++
	case merge.Duplicate:
		r.Duplicate++
	case merge.Deferred:
		r.Deferred++
	case merge.Suppressed:
		r.Suppressed++
	case merge.Ignored:
		r.Ignored++
	}
}

func (r *Report) touch(entityType, id string) {
	if r.Touched == nil {
		r.Touched = make(map[string][]string)
	}
	for _, existing := range r.Touched[entityType] {
		if existing == id {
			return
		}
	}
	r.Touched[entityType] = append(r.Touched[entityType], id)
}
