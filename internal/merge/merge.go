// Package merge applies incoming change records to the local store under a
// deterministic policy: field-level last-write-wins on (timestamp, device),
// tombstones that stop deleted entities from coming back, commutative
// increments, and deferral of changes whose dependency has not arrived yet.
package merge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/entity"
	"github.com/tidemark-sync/tidemark/internal/envelope"
	"github.com/tidemark-sync/tidemark/internal/schema"
)

// DefaultMaxRetries bounds how many merge passes a deferred change survives.
const DefaultMaxRetries = 10

// Outcome is the result of applying one record.
type Outcome uint8

const (
	// Applied changed local state.
	Applied Outcome = iota + 1
	// Stale lost last-write-wins against a newer local or remote write.
	Stale
	// Duplicate was already applied.
	Duplicate
	// Deferred is waiting for a dependency.
	Deferred
	// Suppressed targets an entity deleted after the record was written.
	Suppressed
	// Ignored names an entity type or property this device does not know.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	case Suppressed:
		return "suppressed"
	case Ignored:
		return "ignored"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// DependencyError reports a deferred change dropped after too many retries.
// The group's tidemark still advances past it.
type DependencyError struct {
	Record  change.Record
	Reason  string
	Retries int
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dropped %s of %s after %d retries: %s", e.Record.Op, e.Record.Key(), e.Retries, e.Reason)
}

// Incoming is a decrypted record.
type Incoming struct {
	Record change.Record
	// Value is the decoded value for Set, Increment and Decrement.
	Value any
	// Payload is the decrypted, still encoded value. It is kept when the
	// record is deferred so the retry does not need the key again.
	Payload []byte
}

// Options configures a Resolver.
type Options struct {
	MaxRetries int
	// Codec encodes stored fields. Nil stores them in the clear.
	Codec  *entity.FieldCodec
	Logger *zap.Logger
}

// Resolver applies incoming records. It holds no state of its own; every
// call works inside the caller's transaction under the write lock.
type Resolver struct {
	registry   *schema.Registry
	clock      *change.Clock
	codec      *entity.FieldCodec
	maxRetries int
	logger     *zap.Logger
}

// New returns a resolver. clock is advanced past every applied record.
func New(registry *schema.Registry, clock *change.Clock, opts Options) *Resolver {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		registry:   registry,
		clock:      clock,
		codec:      opts.Codec,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.Named("merge"),
	}
}

// Apply applies one record. A record that cannot be applied yet is stored
// as a deferred change and reported as Deferred.
func (r *Resolver) Apply(ctx context.Context, tx *db.Tx, in Incoming) (Outcome, error) {
	outcome, reason, err := r.apply(ctx, tx, in)
	if err != nil {
		return 0, err
	}
	if outcome == Deferred {
		err := tx.PutDeferred(ctx, change.Deferred{Record: in.Record, Payload: in.Payload, Reason: reason})
		if err != nil {
			return 0, err
		}
		r.logger.Debug("deferred change",
			zap.String("record", in.Record.Key()),
			zap.Stringer("op", in.Record.Op),
			zap.String("reason", reason))
	}
	return outcome, nil
}

func (r *Resolver) apply(ctx context.Context, tx *db.Tx, in Incoming) (Outcome, string, error) {
	rec := in.Record
	d, err := r.registry.Lookup(rec.Entity)
	if errors.Is(err, schema.ErrUnknownEntity) {
		r.logger.Warn("ignoring change for unknown entity", zap.String("entity", rec.Entity))
		return Ignored, "", nil
	}
	if err != nil {
		return 0, "", err
	}

	var outcome Outcome
	var reason string
	switch rec.Op {
	case change.Create:
		outcome, err = r.create(ctx, tx, d, rec)
	case change.Set:
		outcome, reason, err = r.set(ctx, tx, d, in)
	case change.Delete:
		outcome, err = r.delete(ctx, tx, rec)
	case change.Increment, change.Decrement:
		outcome, reason, err = r.increment(ctx, tx, d, in)
	default:
		return 0, "", fmt.Errorf("unknown op %d in change %s", rec.Op, rec.ID)
	}
	if err != nil {
		return 0, "", err
	}
	if outcome == Applied {
		r.clock.Observe(rec.Timestamp)
	}
	return outcome, reason, nil
}

func (r *Resolver) create(ctx context.Context, tx *db.Tx, d *schema.Descriptor, rec change.Record) (Outcome, error) {
	exists, err := tx.EntityExists(ctx, rec.Entity, rec.RecordID)
	if err != nil {
		return 0, err
	}
	if exists {
		return Duplicate, nil
	}
	if suppressed, err := tombstoned(ctx, tx, rec); err != nil || suppressed {
		return Suppressed, err
	}
	data, err := r.codec.Encode(d, d.Defaults())
	if err != nil {
		return 0, err
	}
	err = tx.InsertEntity(ctx, &db.Row{
		Entity: rec.Entity, ID: rec.RecordID, Group: rec.Group, Fields: data, UpdatedAt: rec.Timestamp,
	})
	if err != nil {
		return 0, err
	}
	return Applied, nil
}

func (r *Resolver) set(ctx context.Context, tx *db.Tx, d *schema.Descriptor, in Incoming) (Outcome, string, error) {
	rec := in.Record
	p, ok := d.Property(rec.Property)
	if !ok {
		r.logger.Warn("ignoring change for unknown property",
			zap.String("entity", rec.Entity), zap.String("property", rec.Property))
		return Ignored, "", nil
	}

	row, err := tx.GetEntity(ctx, rec.Entity, rec.RecordID)
	if errors.Is(err, db.ErrNotFound) {
		return missing(ctx, tx, rec)
	}
	if err != nil {
		return 0, "", err
	}

	value, err := schema.Normalize(p.Type, in.Value)
	if err != nil {
		r.logger.Warn("ignoring change with mistyped value",
			zap.String("record", rec.Key()), zap.String("property", rec.Property), zap.Error(err))
		return Ignored, "", nil
	}

	if p.References != "" && value != nil {
		target, ok := entity.KeyFromValue(value)
		if ok {
			present, err := tx.EntityExists(ctx, p.References, target.String())
			if err != nil {
				return 0, "", err
			}
			if !present {
				return Deferred, "referenced " + p.References + "/" + target.String() + " not present", nil
			}
		}
	}

	fc, err := tx.GetFieldClock(ctx, rec.Entity, rec.RecordID, rec.Property)
	if err != nil {
		return 0, "", err
	}
	if fc != nil && fc.Timestamp == rec.Timestamp && fc.Device == rec.Device {
		return Duplicate, "", nil
	}
	if fc != nil && !change.Newer(rec.Timestamp, rec.Device, fc.Timestamp, fc.Device) {
		return Stale, "", nil
	}

	fields, err := r.codec.Decode(d, row.Fields)
	if err != nil {
		return 0, "", err
	}
	if value == nil {
		delete(fields, rec.Property)
	} else {
		fields[rec.Property] = value
	}
	if err := r.writeFields(ctx, tx, d, row, fields, rec.Timestamp); err != nil {
		return 0, "", err
	}
	err = tx.PutFieldClock(ctx, rec.Entity, rec.RecordID, rec.Property, row.Group,
		db.FieldClock{Timestamp: rec.Timestamp, Device: rec.Device})
	if err != nil {
		return 0, "", err
	}
	return Applied, "", nil
}

func (r *Resolver) delete(ctx context.Context, tx *db.Tx, rec change.Record) (Outcome, error) {
	exists, err := tx.EntityExists(ctx, rec.Entity, rec.RecordID)
	if err != nil {
		return 0, err
	}
	if !exists {
		if seen, err := tombstoned(ctx, tx, rec); err != nil || seen {
			return Duplicate, err
		}
	}
	if err := tx.PutDefunct(ctx, change.Defunct{Entity: rec.Entity, RecordID: rec.RecordID, DeletedAt: rec.Timestamp}); err != nil {
		return 0, err
	}
	if _, err := tx.DeleteEntity(ctx, rec.Entity, rec.RecordID); err != nil {
		return 0, err
	}
	if err := tx.DeleteFieldClocks(ctx, rec.Entity, rec.RecordID); err != nil {
		return 0, err
	}
	discarded, err := tx.DiscardChangesForRecord(ctx, rec.Entity, rec.RecordID)
	if err != nil {
		return 0, err
	}
	if discarded > 0 {
		r.logger.Debug("discarded unsent changes of deleted entity",
			zap.String("record", rec.Key()), zap.Int64("count", discarded))
	}
	return Applied, nil
}

func (r *Resolver) increment(ctx context.Context, tx *db.Tx, d *schema.Descriptor, in Incoming) (Outcome, string, error) {
	rec := in.Record
	p, ok := d.Property(rec.Property)
	if !ok || (p.Type != schema.Integer && p.Type != schema.Real) {
		r.logger.Warn("ignoring increment of non-numeric property",
			zap.String("entity", rec.Entity), zap.String("property", rec.Property))
		return Ignored, "", nil
	}

	row, err := tx.GetEntity(ctx, rec.Entity, rec.RecordID)
	if errors.Is(err, db.ErrNotFound) {
		return missing(ctx, tx, rec)
	}
	if err != nil {
		return 0, "", err
	}

	amount, err := schema.Normalize(p.Type, in.Value)
	if err != nil || amount == nil {
		r.logger.Warn("ignoring increment with mistyped amount", zap.String("record", rec.Key()), zap.Error(err))
		return Ignored, "", nil
	}

	first, err := tx.MarkApplied(ctx, rec.ID, rec.Group, rec.Timestamp)
	if err != nil {
		return 0, "", err
	}
	if !first {
		return Duplicate, "", nil
	}

	fields, err := r.codec.Decode(d, row.Fields)
	if err != nil {
		return 0, "", err
	}
	fields[rec.Property] = addSigned(fields[rec.Property], amount, rec.Op == change.Decrement)
	if err := r.writeFields(ctx, tx, d, row, fields, rec.Timestamp); err != nil {
		return 0, "", err
	}
	return Applied, "", nil
}

func (r *Resolver) writeFields(ctx context.Context, tx *db.Tx, d *schema.Descriptor, row *db.Row, fields map[string]any, ts int64) error {
	data, err := r.codec.Encode(d, fields)
	if err != nil {
		return err
	}
	return tx.UpdateEntity(ctx, &db.Row{Entity: row.Entity, ID: row.ID, Fields: data, UpdatedAt: ts})
}

// RetryDeferred re-applies the deferred changes of group. Passes repeat while
// they make progress so a chain of dependencies resolves at once. Each call
// counts as one retry for what is still blocked; changes exceeding the retry
// bound are dropped and returned as DependencyErrors.
func (r *Resolver) RetryDeferred(ctx context.Context, tx *db.Tx, group string) ([]change.Record, []*DependencyError, error) {
	pending, err := tx.ListDeferred(ctx, group)
	if err != nil {
		return nil, nil, err
	}

	var applied []change.Record
	for len(pending) > 0 {
		var (
			still    []change.Deferred
			progress bool
		)
		for _, d := range pending {
			in := Incoming{Record: d.Record, Payload: d.Payload}
			if len(d.Payload) > 0 {
				v, err := envelope.Unmarshal(d.Payload)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to decode deferred change %s: %w", d.Record.ID, err)
				}
				in.Value = v
			}
			outcome, reason, err := r.apply(ctx, tx, in)
			if err != nil {
				return nil, nil, err
			}
			if outcome == Deferred {
				d.Reason = reason
				still = append(still, d)
				continue
			}
			progress = true
			if err := tx.DeleteDeferred(ctx, d.Record.ID); err != nil {
				return nil, nil, err
			}
			if outcome == Applied {
				applied = append(applied, d.Record)
			}
		}
		pending = still
		if !progress {
			break
		}
	}

	var dropped []*DependencyError
	for _, d := range pending {
		d.Retries++
		if d.Retries >= r.maxRetries {
			if err := tx.DeleteDeferred(ctx, d.Record.ID); err != nil {
				return nil, nil, err
			}
			depErr := &DependencyError{Record: d.Record, Reason: d.Reason, Retries: d.Retries}
			r.logger.Warn("dropping unresolved change", zap.Error(depErr))
			dropped = append(dropped, depErr)
			continue
		}
		if err := tx.PutDeferred(ctx, d); err != nil {
			return nil, nil, err
		}
	}
	return applied, dropped, nil
}

// missing handles a property change for an entity that is not stored. Field
// changes never create rows, so once the entity has a tombstone they are
// suppressed whatever their timestamp; otherwise the Create has not arrived
// yet.
func missing(ctx context.Context, tx *db.Tx, rec change.Record) (Outcome, string, error) {
	tomb, err := tx.GetDefunct(ctx, rec.Entity, rec.RecordID)
	if err != nil {
		return 0, "", err
	}
	if tomb != nil {
		return Suppressed, "", nil
	}
	return Deferred, "entity " + rec.Key() + " not present", nil
}

func tombstoned(ctx context.Context, tx *db.Tx, rec change.Record) (bool, error) {
	tomb, err := tx.GetDefunct(ctx, rec.Entity, rec.RecordID)
	if err != nil {
		return false, err
	}
	return tomb != nil && tomb.DeletedAt >= rec.Timestamp, nil
}

func addSigned(cur, amount any, negate bool) any {
	switch a := amount.(type) {
	case int64:
		c, _ := cur.(int64)
		if negate {
			return c - a
		}
		return c + a
	case float64:
		c, _ := cur.(float64)
		if negate {
			return c - a
		}
		return c + a
	}
	return cur
}
