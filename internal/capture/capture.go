// Package capture turns committed writes of syncable entities into change
// records. It runs inside the commit's SQL transaction, so a record is queued
// if and only if the write that produced it commits.
package capture

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/schema"
	"github.com/tidemark-sync/tidemark/internal/txn"
)

// Recorder implements txn.Recorder.
type Recorder struct {
	clock    *change.Clock
	envelope *envelope.Envelope
	device   string
	logger   *zap.Logger
}

// New returns a recorder stamping records with device and clock.
func New(clock *change.Clock, env *envelope.Envelope, device string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{clock: clock, envelope: env, device: device, logger: logger.Named("capture")}
}

var _ txn.Recorder = (*Recorder)(nil)

// Record queues the change records for one executed element.
//
// A new entity yields a Create followed by one Set per populated field in
// descriptor order. An update yields one Set per changed field, or an
// Increment/Decrement for fields changed only through deltas. A delete yields
// a single Delete and a tombstone.
func (r *Recorder) Record(ctx context.Context, tx *db.Tx, el *txn.Element) error {
	d := el.Entity.Descriptor()
	if !d.Has(schema.Syncable) {
		return nil
	}

	var recs []change.Record
	add := func(op change.Op, property string, value any) error {
		rec := change.Record{
			ID:        uuid.NewString(),
			Entity:    d.Name,
			RecordID:  el.RecordID,
			Property:  property,
			Op:        op,
			Timestamp: r.clock.Next(),
			Device:    r.device,
			Group:     el.Group,
		}
		if op.HasProperty() {
			sealed, err := r.envelope.Seal(value)
			if err != nil {
				return err
			}
			rec.Value = sealed
		}
		recs = append(recs, rec)
		return nil
	}

	switch el.Statement {
	case txn.Insert:
		if err := add(change.Create, "", nil); err != nil {
			return err
		}
		for _, p := range d.Properties {
			if v, ok := el.Params[p.Name]; ok && v != nil {
				if err := add(change.Set, p.Name, v); err != nil {
					return err
				}
			}
		}
	case txn.Update:
		for _, p := range d.Properties {
			if v, ok := el.Params[p.Name]; ok {
				if err := add(change.Set, p.Name, v); err != nil {
					return err
				}
				continue
			}
			if delta, ok := el.Deltas[p.Name]; ok {
				op, amount := deltaOp(delta)
				if err := add(op, p.Name, amount); err != nil {
					return err
				}
			}
		}
	case txn.Delete:
		if err := add(change.Delete, "", nil); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot capture statement %v", el.Statement)
	}

	for _, rec := range recs {
		if err := tx.EnqueueChange(ctx, rec); err != nil {
			return err
		}
		switch rec.Op {
		case change.Set:
			err := tx.PutFieldClock(ctx, rec.Entity, rec.RecordID, rec.Property, rec.Group,
				db.FieldClock{Timestamp: rec.Timestamp, Device: rec.Device})
			if err != nil {
				return err
			}
		case change.Increment, change.Decrement:
			// the service echoes our own records back; the delta is already in
			// the local row
			if _, err := tx.MarkApplied(ctx, rec.ID, rec.Group, rec.Timestamp); err != nil {
				return err
			}
		case change.Delete:
			err := tx.PutDefunct(ctx, change.Defunct{Entity: rec.Entity, RecordID: rec.RecordID, DeletedAt: rec.Timestamp})
			if err != nil {
				return err
			}
		}
	}
	el.Records = recs
	r.logger.Debug("captured changes",
		zap.Stringer("element", el),
		zap.Int("records", len(recs)))
	return nil
}

func deltaOp(delta any) (change.Op, any) {
	switch d := delta.(type) {
	case int64:
		if d < 0 {
			return change.Decrement, -d
		}
		return change.Increment, d
	case float64:
		if d < 0 {
			return change.Decrement, -d
		}
		return change.Increment, d
	}
	return change.Increment, delta
}
