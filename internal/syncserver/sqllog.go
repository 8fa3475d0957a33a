package syncserver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tidemark-sync/tidemark/internal/change"
	"github.com/tidemark-sync/tidemark/internal/db"
	"github.com/tidemark-sync/tidemark/internal/transport"
)

const logSchema = `
CREATE TABLE IF NOT EXISTS server_log (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	account   TEXT NOT NULL,
	entity    TEXT NOT NULL,
	record_id TEXT NOT NULL,
	property  TEXT NOT NULL DEFAULT '',
	op        INTEGER NOT NULL,
	ts        INTEGER NOT NULL,
	device    TEXT NOT NULL,
	grp       TEXT NOT NULL,
	value     BLOB
);
CREATE INDEX IF NOT EXISTS idx_server_log_group ON server_log(account, grp, seq);
`

// SQLLog is a Log persisted in a SQLite file next to the service.
type SQLLog struct {
	db *db.DB
}

// OpenSQLLog opens or creates the log at path.
func OpenSQLLog(ctx context.Context, path string, logger *zap.Logger) (*SQLLog, error) {
	database, err := db.OpenContext(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	if _, err := database.RawDB().ExecContext(ctx, logSchema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to create server log: %w", err)
	}
	return &SQLLog{db: database}, nil
}

// Close closes the underlying database.
func (l *SQLLog) Close() error {
	return l.db.Close()
}

func (l *SQLLog) Append(ctx context.Context, account string, recs []change.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return l.db.WithTx(ctx, func(tx *db.Tx) error {
		for _, r := range recs {
			_, err := tx.Exec(ctx, `
				INSERT INTO server_log (id, account, entity, record_id, property, op, ts, device, grp, value)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				r.ID, account, r.Entity, r.RecordID, r.Property, int(r.Op), r.Timestamp, r.Device, r.Group, r.Value)
			if err != nil {
				return fmt.Errorf("failed to append change %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (l *SQLLog) Head(ctx context.Context) (int64, error) {
	var head int64
	err := l.db.RawDB().QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM server_log`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read log head: %w", err)
	}
	return head, nil
}

func (l *SQLLog) Since(ctx context.Context, q Query) ([]transport.Change, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.RawDB().QueryContext(ctx, `
		SELECT seq, id, entity, record_id, property, op, ts, device, grp, value
		FROM server_log
		WHERE account = ? AND grp = ? AND seq > ? AND seq <= ?
		ORDER BY seq
		LIMIT ?`, q.Account, q.Group, q.After, q.UpTo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var out []transport.Change
	for rows.Next() {
		var (
			c  transport.Change
			op int
		)
		if err := rows.Scan(&c.Seq, &c.ID, &c.Entity, &c.RecordID, &c.Property, &op,
			&c.Timestamp, &c.Device, &c.Group, &c.Value); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		c.Op = change.Op(op)
		out = append(out, c)
	}
	return out, rows.Err()
}
