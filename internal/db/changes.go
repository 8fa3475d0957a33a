package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidemark-sync/tidemark/internal/change"
)

// EnqueueChange appends a record to the unsent queue.
func (t *Tx) EnqueueChange(ctx context.Context, r change.Record) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sync_changes (id, entity, record_id, property, op, ts, device, grp, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Entity, r.RecordID, r.Property, int(r.Op), r.Timestamp, r.Device, r.Group, r.Value,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue change %s: %w", r.ID, err)
	}
	return nil
}

// PendingChanges returns up to limit unsent records in timestamp order.
// A limit <= 0 returns all of them.
func (t *Tx) PendingChanges(ctx context.Context, limit int) ([]change.Record, error) {
	query := `SELECT id, entity, record_id, property, op, ts, device, grp, value
		FROM sync_changes ORDER BY ts, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return t.scanChanges(ctx, query, args...)
}

// ChangesSince returns unsent records with a timestamp >= since.
func (t *Tx) ChangesSince(ctx context.Context, since int64) ([]change.Record, error) {
	return t.scanChanges(ctx, `SELECT id, entity, record_id, property, op, ts, device, grp, value
		FROM sync_changes WHERE ts >= ? ORDER BY ts, id`, since)
}

// DeleteChanges removes sent records from the queue.
func (t *Tx) DeleteChanges(ctx context.Context, ids []string) error {
	const chunk = 500
	for len(ids) > 0 {
		n := min(chunk, len(ids))
		batch := ids[:n]
		ids = ids[n:]

		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		if _, err := t.q.ExecContext(ctx,
			`DELETE FROM sync_changes WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete sent changes: %w", err)
		}
	}
	return nil
}

// DiscardChangesForRecord drops unsent records that target one entity row.
func (t *Tx) DiscardChangesForRecord(ctx context.Context, entity, recordID string) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM sync_changes WHERE entity = ? AND record_id = ?`, entity, recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard changes for %s/%s: %w", entity, recordID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DiscardChangesForGroup drops every unsent record of a group.
func (t *Tx) DiscardChangesForGroup(ctx context.Context, group string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sync_changes WHERE grp = ?`, group)
	if err != nil {
		return 0, fmt.Errorf("failed to discard changes for group %s: %w", group, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingCount returns the number of unsent records.
func (t *Tx) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}

// MaxTimestamp returns the highest timestamp this device has written or
// observed. It seeds the device clock on open.
func (t *Tx) MaxTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	err := t.q.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(ts) FROM sync_changes), 0),
			COALESCE((SELECT MAX(ts) FROM sync_field_clock), 0),
			COALESCE((SELECT MAX(deleted_at) FROM sync_defunct), 0)
		)`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to read max timestamp: %w", err)
	}
	return ts, nil
}

func (t *Tx) scanChanges(ctx context.Context, query string, args ...any) ([]change.Record, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []change.Record
	for rows.Next() {
		var (
			r  change.Record
			op int
		)
		if err := rows.Scan(&r.ID, &r.Entity, &r.RecordID, &r.Property, &op,
			&r.Timestamp, &r.Device, &r.Group, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		r.Op = change.Op(op)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return out, nil
}
