// Package syncserver is the reference sync service. It keeps an append-only
// log of change records per account, numbers them with a global sequence,
// and answers each device with the records of the groups it subscribes to
// written after the device's tidemark. A device's own records come back too;
// the client treats them as duplicates, and a device re-fetching a group
// from tidemark zero needs them.
package syncserver

import (
	"context"
	"sync"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/transport"
)

// Log stores the accepted records.
type Log interface {
	// Append stores records in order. A record whose ID is already stored
	// is skipped so a retried upload is harmless.
	Append(ctx context.Context, account string, recs []change.Record) error
	// Head returns the highest sequence stored.
	Head(ctx context.Context) (int64, error)
	// Since returns, in sequence order, up to limit records of group with
	// sequence in (after, upTo].
	Since(ctx context.Context, q Query) ([]transport.Change, error)
}

// Query selects records for one group.
type Query struct {
	Account string
	Group   string
	After   int64
	UpTo    int64
	Limit   int
}

// MemoryLog is a Log held in memory.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	entries []memEntry
	ids     map[string]struct{}
}

type memEntry struct {
	account string
	change  transport.Change
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ids: make(map[string]struct{})}
}

func (l *MemoryLog) Append(_ context.Context, account string, recs []change.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range recs {
		if _, dup := l.ids[r.ID]; dup {
			continue
		}
		l.ids[r.ID] = struct{}{}
		l.seq++
		l.entries = append(l.entries, memEntry{account: account, change: transport.Change{Record: r, Seq: l.seq}})
	}
	return nil
}

func (l *MemoryLog) Head(context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq, nil
}

func (l *MemoryLog) Since(_ context.Context, q Query) ([]transport.Change, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []transport.Change
	for _, e := range l.entries {
		c := e.change
		if c.Seq <= q.After || e.account != q.Account || c.Group != q.Group {
			continue
		}
		if c.Seq > q.UpTo || (q.Limit > 0 && len(out) == q.Limit) {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// Len returns the number of stored records.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
