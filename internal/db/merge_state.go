package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tidemark-sync/tidemark/internal/change"
)

// PutDefunct writes a tombstone, keeping the latest deletion time.
func (t *Tx) PutDefunct(ctx context.Context, d change.Defunct) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sync_defunct (entity, record_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(entity, record_id) DO UPDATE SET deleted_at = MAX(deleted_at, excluded.deleted_at)`,
		d.Entity, d.RecordID, d.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to write tombstone %s/%s: %w", d.Entity, d.RecordID, err)
	}
	return nil
}

// GetDefunct returns the tombstone for a row, or nil if there is none.
func (t *Tx) GetDefunct(ctx context.Context, entity, recordID string) (*change.Defunct, error) {
	d := &change.Defunct{Entity: entity, RecordID: recordID}
	err := t.q.QueryRowContext(ctx,
		`SELECT deleted_at FROM sync_defunct WHERE entity = ? AND record_id = ?`,
		entity, recordID).Scan(&d.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tombstone %s/%s: %w", entity, recordID, err)
	}
	return d, nil
}

// PutDeferred stores or updates a deferred change.
func (t *Tx) PutDeferred(ctx context.Context, d change.Deferred) error {
	r := d.Record
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sync_deferred (id, entity, record_id, property, op, ts, device, grp, payload, retries, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET retries = excluded.retries, reason = excluded.reason`,
		r.ID, r.Entity, r.RecordID, r.Property, int(r.Op), r.Timestamp, r.Device, r.Group,
		d.Payload, d.Retries, d.Reason)
	if err != nil {
		return fmt.Errorf("failed to store deferred change %s: %w", r.ID, err)
	}
	return nil
}

// ListDeferred returns deferred changes of a group (all groups if empty) in
// application order.
func (t *Tx) ListDeferred(ctx context.Context, group string) ([]change.Deferred, error) {
	query := `SELECT id, entity, record_id, property, op, ts, device, grp, payload, retries, reason
		FROM sync_deferred`
	var args []any
	if group != "" {
		query += ` WHERE grp = ?`
		args = append(args, group)
	}
	query += ` ORDER BY ts, device, id`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred changes: %w", err)
	}
	defer rows.Close()

	var out []change.Deferred
	for rows.Next() {
		var (
			d  change.Deferred
			op int
		)
		r := &d.Record
		if err := rows.Scan(&r.ID, &r.Entity, &r.RecordID, &r.Property, &op, &r.Timestamp,
			&r.Device, &r.Group, &d.Payload, &d.Retries, &d.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan deferred change: %w", err)
		}
		r.Op = change.Op(op)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDeferred removes one deferred change.
func (t *Tx) DeleteDeferred(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM sync_deferred WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete deferred change %s: %w", id, err)
	}
	return nil
}

// DeleteDeferredForGroup removes every deferred change of a group.
func (t *Tx) DeleteDeferredForGroup(ctx context.Context, group string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM sync_deferred WHERE grp = ?`, group); err != nil {
		return fmt.Errorf("failed to delete deferred changes of %s: %w", group, err)
	}
	return nil
}

// DeferredCount returns the number of deferred changes.
func (t *Tx) DeferredCount(ctx context.Context) (int, error) {
	var n int
	if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_deferred`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count deferred changes: %w", err)
	}
	return n, nil
}

// FieldClock is the (timestamp, device) of the last applied write to a field.
type FieldClock struct {
	Timestamp int64
	Device    string
}

// GetFieldClock returns the clock of one field, or nil if never written.
func (t *Tx) GetFieldClock(ctx context.Context, entity, recordID, property string) (*FieldClock, error) {
	var c FieldClock
	err := t.q.QueryRowContext(ctx, `
		SELECT ts, device FROM sync_field_clock
		WHERE entity = ? AND record_id = ? AND property = ?`,
		entity, recordID, property).Scan(&c.Timestamp, &c.Device)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read field clock %s/%s.%s: %w", entity, recordID, property, err)
	}
	return &c, nil
}

// PutFieldClock records the last write to a field.
func (t *Tx) PutFieldClock(ctx context.Context, entity, recordID, property, group string, c FieldClock) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sync_field_clock (entity, record_id, property, ts, device, grp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, record_id, property) DO UPDATE SET ts = excluded.ts, device = excluded.device`,
		entity, recordID, property, c.Timestamp, c.Device, group)
	if err != nil {
		return fmt.Errorf("failed to write field clock %s/%s.%s: %w", entity, recordID, property, err)
	}
	return nil
}

// DeleteFieldClocks removes the clocks of every field of a row.
func (t *Tx) DeleteFieldClocks(ctx context.Context, entity, recordID string) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM sync_field_clock WHERE entity = ? AND record_id = ?`, entity, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete field clocks of %s/%s: %w", entity, recordID, err)
	}
	return nil
}

// DeleteFieldClocksForGroup removes the clocks of every row in a group.
func (t *Tx) DeleteFieldClocksForGroup(ctx context.Context, group string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM sync_field_clock WHERE grp = ?`, group); err != nil {
		return fmt.Errorf("failed to delete field clocks of group %s: %w", group, err)
	}
	return nil
}

// MarkApplied records that an operation id has been applied. It returns
// false if the id was already recorded.
func (t *Tx) MarkApplied(ctx context.Context, id, group string, at int64) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO sync_applied_ops (id, grp, applied_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, group, at)
	if err != nil {
		return false, fmt.Errorf("failed to record applied op %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAppliedForGroup forgets applied op ids of a group so a full re-fetch
// after resubscribing applies them again.
func (t *Tx) DeleteAppliedForGroup(ctx context.Context, group string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM sync_applied_ops WHERE grp = ?`, group); err != nil {
		return fmt.Errorf("failed to delete applied ops of group %s: %w", group, err)
	}
	return nil
}
