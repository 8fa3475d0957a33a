package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GroupRow is one subscribed visibility group.
type GroupRow struct {
	Name        string
	Tidemark    int64
	LastPolled  time.Time
	Frequency   time.Duration
	Outstanding bool
}

// UpsertGroup creates a group or updates its frequency. An existing tidemark
// is preserved.
func (t *Tx) UpsertGroup(ctx context.Context, name string, freq time.Duration) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sync_groups (name, frequency_ms) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET frequency_ms = excluded.frequency_ms`,
		name, freq.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group %s: %w", name, err)
	}
	return nil
}

// EnsureGroup creates a group with the default frequency if it is missing.
// It reports whether a row was inserted.
func (t *Tx) EnsureGroup(ctx context.Context, name string) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO sync_groups (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("failed to ensure group %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetGroup loads one group.
func (t *Tx) GetGroup(ctx context.Context, name string) (*GroupRow, error) {
	g, err := scanGroup(t.q.QueryRowContext(ctx, `
		SELECT name, tidemark, last_polled, frequency_ms, outstanding
		FROM sync_groups WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %s: %w", name, err)
	}
	return g, nil
}

// ListGroups returns every group ordered by name.
func (t *Tx) ListGroups(ctx context.Context) ([]*GroupRow, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT name, tidemark, last_polled, frequency_ms, outstanding
		FROM sync_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []*GroupRow
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroup removes the group row.
func (t *Tx) DeleteGroup(ctx context.Context, name string) (bool, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sync_groups WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete group %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdvanceTidemark moves a tidemark forward. It never moves it backwards.
func (t *Tx) AdvanceTidemark(ctx context.Context, name string, tidemark int64) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE sync_groups SET tidemark = MAX(tidemark, ?) WHERE name = ?`, tidemark, name)
	if err != nil {
		return fmt.Errorf("failed to advance tidemark of %s: %w", name, err)
	}
	return nil
}

// MarkGroupPolled records a completed poll and the outstanding flag.
func (t *Tx) MarkGroupPolled(ctx context.Context, name string, at time.Time, outstanding bool) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE sync_groups SET last_polled = ?, outstanding = ? WHERE name = ?`,
		at.UnixMilli(), boolToInt(outstanding), name)
	if err != nil {
		return fmt.Errorf("failed to mark group %s polled: %w", name, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(s scanner) (*GroupRow, error) {
	var (
		g           GroupRow
		polledMS    int64
		freqMS      int64
		outstanding int
	)
	if err := s.Scan(&g.Name, &g.Tidemark, &polledMS, &freqMS, &outstanding); err != nil {
		return nil, err
	}
	if polledMS > 0 {
		g.LastPolled = time.UnixMilli(polledMS)
	}
	g.Frequency = time.Duration(freqMS) * time.Millisecond
	g.Outstanding = outstanding != 0
	return &g, nil
}
