package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bull/shardsearch/internal/apperr"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	partition_key TEXT NOT NULL,
	sort_key      TEXT NOT NULL,
	page_offset   INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	etag          TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (partition_key, sort_key)
)`

// The WHERE clause on the conflict branch makes the upsert a
// compare-and-set: a regressing proposal touches zero rows.
const sqliteCommit = `
INSERT INTO checkpoints (partition_key, sort_key, page_offset, last_modified, etag, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (partition_key, sort_key) DO UPDATE SET
	page_offset   = excluded.page_offset,
	last_modified = excluded.last_modified,
	etag          = excluded.etag,
	updated_at    = excluded.updated_at
WHERE checkpoints.page_offset <= excluded.page_offset
  AND checkpoints.last_modified <= excluded.last_modified`

// SQLiteLedger persists checkpoints in a local SQLite database.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the ledger database at path.
// Use ":memory:" for a throwaway ledger.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, partitionKey, sortKey string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT page_offset, last_modified, etag, updated_at FROM checkpoints WHERE partition_key = ? AND sort_key = ?`,
		partitionKey, sortKey)

	var (
		rec                    = Record{PartitionKey: partitionKey, SortKey: sortKey}
		lastModified, updated int64
	)
	if err := row.Scan(&rec.Offset, &lastModified, &rec.ETag, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError(partitionKey, sortKey)
		}
		return nil, fmt.Errorf("%w: read checkpoint: %v", apperr.ErrTransientIO, err)
	}
	rec.LastModified = fromUnixNano(lastModified)
	rec.UpdatedAt = fromUnixNano(updated)
	return &rec, nil
}

func (l *SQLiteLedger) Commit(ctx context.Context, partitionKey, sortKey string, proposed Record) error {
	if err := validateKeys(partitionKey, sortKey); err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, sqliteCommit,
		partitionKey, sortKey, proposed.Offset,
		toUnixNano(proposed.LastModified), proposed.ETag, l.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: commit checkpoint: %v", apperr.ErrTransientIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: commit checkpoint: %v", apperr.ErrTransientIO, err)
	}
	if n == 0 {
		return staleError(partitionKey, sortKey, proposed)
	}
	return nil
}

// List returns every stored record ordered by partition and sort key.
func (l *SQLiteLedger) List(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT partition_key, sort_key, page_offset, last_modified, etag, updated_at FROM checkpoints ORDER BY partition_key, sort_key`)
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", apperr.ErrTransientIO, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                    Record
			lastModified, updated int64
		)
		if err := rows.Scan(&rec.PartitionKey, &rec.SortKey, &rec.Offset, &lastModified, &rec.ETag, &updated); err != nil {
			return nil, fmt.Errorf("%w: scan checkpoint: %v", apperr.ErrTransientIO, err)
		}
		rec.LastModified = fromUnixNano(lastModified)
		rec.UpdatedAt = fromUnixNano(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
