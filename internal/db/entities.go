package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Row is one stored entity.
type Row struct {
	Entity    string
	ID        string
	Group     string
	Fields    []byte
	UpdatedAt int64
}

// GetEntity loads one entity row.
func (t *Tx) GetEntity(ctx context.Context, entity, id string) (*Row, error) {
	r := &Row{Entity: entity, ID: id}
	err := t.q.QueryRowContext(ctx,
		`SELECT grp, fields, updated_at FROM entities WHERE entity = ? AND id = ?`,
		entity, id,
	).Scan(&r.Group, &r.Fields, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", entity, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", entity, id, err)
	}
	return r, nil
}

// EntityExists reports whether a row exists.
func (t *Tx) EntityExists(ctx context.Context, entity, id string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity = ? AND id = ?`, entity, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check entity %s/%s: %w", entity, id, err)
	}
	return n > 0, nil
}

// InsertEntity inserts a new row. It fails if the row already exists.
func (t *Tx) InsertEntity(ctx context.Context, r *Row) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO entities (entity, id, grp, fields, updated_at) VALUES (?, ?, ?, ?, ?)`,
		r.Entity, r.ID, r.Group, r.Fields, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity %s/%s: %w", r.Entity, r.ID, err)
	}
	return nil
}

// UpdateEntity replaces the fields of an existing row.
func (t *Tx) UpdateEntity(ctx context.Context, r *Row) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE entities SET fields = ?, updated_at = ? WHERE entity = ? AND id = ?`,
		r.Fields, r.UpdatedAt, r.Entity, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity %s/%s: %w", r.Entity, r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s/%s: %w", r.Entity, r.ID, ErrNotFound)
	}
	return nil
}

// DeleteEntity removes a row. Deleting a missing row is not an error.
func (t *Tx) DeleteEntity(ctx context.Context, entity, id string) (bool, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM entities WHERE entity = ? AND id = ?`, entity, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete entity %s/%s: %w", entity, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NextKey allocates the next auto key for entity. It never returns a key that
// is already in use, even if rows were inserted with explicit numeric ids.
func (t *Tx) NextKey(ctx context.Context, entity string) (int64, error) {
	var next, maxID sql.NullInt64
	err := t.q.QueryRowContext(ctx, `SELECT next FROM entity_keys WHERE entity = ?`, entity).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read key sequence for %s: %w", entity, err)
	}
	err = t.q.QueryRowContext(ctx,
		`SELECT MAX(CAST(id AS INTEGER)) FROM entities WHERE entity = ?`, entity,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to read max key for %s: %w", entity, err)
	}

	key := max(next.Int64, maxID.Int64+1, 1)
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO entity_keys (entity, next) VALUES (?, ?)
		ON CONFLICT(entity) DO UPDATE SET next = excluded.next`,
		entity, key+1,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate key for %s: %w", entity, err)
	}
	return key, nil
}

// ListEntities returns the rows of one entity type, optionally limited to a
// group, ordered by id.
func (t *Tx) ListEntities(ctx context.Context, entity, group string) ([]*Row, error) {
	query := `SELECT entity, id, grp, fields, updated_at FROM entities WHERE entity = ?`
	args := []any{entity}
	if group != "" {
		query += ` AND grp = ?`
		args = append(args, group)
	}
	query += ` ORDER BY LENGTH(id), id`
	return t.queryRows(ctx, query, args...)
}

// GroupEntityKeys returns "entity/id" for every row in group, sorted. It is
// the input of the group summary hash.
func (t *Tx) GroupEntityKeys(ctx context.Context, group string) ([]string, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT entity || '/' || id FROM entities WHERE grp = ? ORDER BY entity, id`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for group %s: %w", group, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteGroupEntities removes every row tagged with group.
func (t *Tx) DeleteGroupEntities(ctx context.Context, group string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM entities WHERE grp = ?`, group)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entities of group %s: %w", group, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountEntities returns the number of stored rows per entity type.
func (t *Tx) CountEntities(ctx context.Context) (map[string]int, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT entity, COUNT(*) FROM entities GROUP BY entity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[name] = n
	}
	return out, rows.Err()
}

func (t *Tx) queryRows(ctx context.Context, query string, args ...any) ([]*Row, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r := &Row{}
		if err := rows.Scan(&r.Entity, &r.ID, &r.Group, &r.Fields, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return out, nil
}
